package register

import (
	// for boards that need the linux gpio character device.
	_ "github.com/motorctl/pidmotor/components/board/gpiochip"
)
