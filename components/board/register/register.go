// Package register registers all relevant Boards.
package register

import (
	// for boards.
	_ "github.com/motorctl/pidmotor/components/board/fake"
	_ "github.com/motorctl/pidmotor/components/board/periph"
)
