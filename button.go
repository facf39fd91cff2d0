package nodekit

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/hubertat/nodekit/drivers"
)

const defaultDebounceInterval = 50 * time.Millisecond

// Button is the single interrupt driven element of the device: the
// edge handler only sets a flag, and the supervisory loop drains and
// debounces it once per iteration.
type Button struct {
	DriverName string
	InPin      uint16

	DebounceInterval time.Duration

	pressed atomic.Bool
	input   drivers.DigitalInput
	driver  drivers.IoDriver
}

func (bu *Button) GetDriverName() string {
	return bu.DriverName
}

func (bu *Button) Init(driver drivers.IoDriver) error {
	if !strings.EqualFold(driver.String(), bu.DriverName) {
		return errors.New("Init failed, mismatched or incorrect driver")
	}

	if !driver.IsReady() {
		return errors.New("Init failed, driver not ready")
	}

	if bu.DebounceInterval == 0 {
		bu.DebounceInterval = defaultDebounceInterval
	}

	var err error

	bu.driver = driver
	bu.input, err = driver.GetInput(bu.InPin)
	if err != nil {
		return errors.Wrap(err, "Init failed on getting input")
	}

	err = bu.input.SubscribeToPushEvent(bu)
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to push event")
	}

	return nil
}

// FireEvent runs in the driver's edge handler context: it must do no
// I/O and hold nothing, so it only flips the flag.
func (bu *Button) FireEvent(event drivers.PushEvent) {
	bu.pressed.Store(true)
}

// Drain consumes a pending press. Edges inside the debounce window of
// the previous accepted press are discarded. Returns true when the
// press should toggle the device.
func (bu *Button) Drain(now time.Time, state *DeviceState) bool {
	if !bu.pressed.Swap(false) {
		return false
	}

	if now.Sub(state.lastEdge) < bu.DebounceInterval {
		return false
	}

	state.lastEdge = now
	return true
}
