package drivers

import "context"

// IoDriver gives access to the physical inputs and outputs of a single
// hardware backend. Pins requested in Setup are the only pins a driver
// has to serve; asking for any other pin is an error.
type IoDriver interface {
	Setup(ctx context.Context, inputs []uint16, outputs []uint16, pwms []uint16) error
	Close() error
	String() string
	IsReady() bool
	GetInput(pin uint16) (DigitalInput, error)
	GetOutput(pin uint16) (DigitalOutput, error)
	GetPwm(pin uint16) (PwmOutput, error)
	GetAllIo() (inputs []uint16, outputs []uint16)
}

func MapAllIoDrivers() map[string]IoDriver {
	drivers := []IoDriver{
		&GpIO{},
		&McpIO{},
		&MockIoDriver{},
	}

	mapped := make(map[string]IoDriver)
	for _, driver := range drivers {
		mapped[driver.String()] = driver
	}
	return mapped
}

type DigitalInput interface {
	GetState() (bool, error)
	SubscribeToPushEvent(EventListener) error
}

type DigitalOutput interface {
	GetState() (bool, error)
	Set(bool) error
}

// PwmOutput drives a dimmable output with a level in percent (0-100).
type PwmOutput interface {
	GetLevel() (uint8, error)
	SetLevel(uint8) error
}

type PushEvent int

const (
	PushEventSinglePress PushEvent = 0
	PushEventDoublePress PushEvent = 1
	PushEventLongPress   PushEvent = 2
)

type EventListener interface {
	FireEvent(PushEvent)
}
