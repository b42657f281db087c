package fake

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/motorctl/pidmotor/components/board"
	"github.com/motorctl/pidmotor/logging"
)

func TestFakeBoard(t *testing.T) {
	logger := logging.NewTestLogger(t)
	boardConfig := Config{
		DigitalInterrupts: []board.DigitalInterruptConfig{
			{Name: "a", Pin: "20"},
			{Name: "b", Pin: "21"},
		},
	}

	b, err := NewBoard(boardConfig, logger)
	test.That(t, err, test.ShouldBeNil)

	a, err := b.DigitalInterruptByName("a")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, a, test.ShouldEqual, b.Interrupt("a"))

	// Unknown names are created on demand.
	_, err = b.DigitalInterruptByName("z")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(b.Digitals), test.ShouldEqual, 3)

	test.That(t, b.Close(context.Background()), test.ShouldBeNil)
	test.That(t, b.CloseCount, test.ShouldEqual, 1)
}

func TestConfigValidate(t *testing.T) {
	logger := logging.NewTestLogger(t)

	_, err := NewBoard(Config{DigitalInterrupts: []board.DigitalInterruptConfig{{Name: "bar"}}}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "digital_interrupts.0")

	_, err = NewBoard(Config{FailNew: true}, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestOpenByModel(t *testing.T) {
	logger := logging.NewTestLogger(t)
	conf := board.Config{
		Model: ModelName,
		Attributes: map[string]interface{}{
			"digital_interrupts": []interface{}{
				map[string]interface{}{"name": "a", "pin": "20"},
			},
		},
	}
	b, err := board.Open(context.Background(), conf, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.(*Board).Digitals, test.ShouldContainKey, "a")
	test.That(t, board.RegisteredModels(), test.ShouldContain, ModelName)

	// A failed constructor must not hand back a nil *Board inside the interface.
	conf.Attributes = map[string]interface{}{"fail_new": true}
	b, err = board.Open(context.Background(), conf, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, b == nil, test.ShouldBeTrue)
}

func TestGPIOPinJournal(t *testing.T) {
	ctx := context.Background()
	b, err := NewBoard(Config{}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	in1, err := b.GPIOPinByName("23")
	test.That(t, err, test.ShouldBeNil)
	ena := b.Pin("24")

	test.That(t, in1.Set(ctx, true), test.ShouldBeNil)
	test.That(t, ena.SetPWMFreq(ctx, 60), test.ShouldBeNil)
	test.That(t, ena.SetPWM(ctx, 0.5), test.ShouldBeNil)

	high, err := in1.Get(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, high, test.ShouldBeTrue)
	duty, err := ena.PWM(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, duty, test.ShouldEqual, 0.5)
	freq, err := ena.PWMFreq(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, freq, test.ShouldEqual, 60)

	test.That(t, b.Journal(), test.ShouldResemble, []Write{
		{Pin: "23", Op: OpSet, Value: 1},
		{Pin: "24", Op: OpPWMFreq, Value: 60},
		{Pin: "24", Op: OpPWM, Value: 0.5},
	})

	boom := errors.New("bus fault")
	ena.FailWith(boom)
	test.That(t, ena.SetPWM(ctx, 0), test.ShouldEqual, boom)
	ena.FailWith(nil)
	test.That(t, ena.SetPWM(ctx, 0), test.ShouldBeNil)

	b.ResetJournal()
	test.That(t, b.Journal(), test.ShouldBeEmpty)
}
