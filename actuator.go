package nodekit

import (
	"github.com/hubertat/nodekit/drivers"
	"github.com/pkg/errors"
)

// OutputActuator binds the actuator fields of DeviceState to driver
// outputs: a relay for power and, on dimmable devices, a pwm channel
// for the light level. Either binding may be absent depending on the
// device class.
type OutputActuator struct {
	relay  drivers.DigitalOutput
	dimmer drivers.PwmOutput
}

func NewOutputActuator(relay drivers.DigitalOutput, dimmer drivers.PwmOutput) *OutputActuator {
	return &OutputActuator{relay: relay, dimmer: dimmer}
}

func (oa *OutputActuator) Apply(state *DeviceState) (err error) {
	if oa.relay != nil {
		err = oa.relay.Set(state.Power)
		if err != nil {
			return errors.Wrap(err, "failed to drive relay output")
		}
	}

	if oa.dimmer != nil {
		level := uint8(0)
		if state.Power {
			level = state.Brightness
		}
		err = oa.dimmer.SetLevel(level)
		if err != nil {
			return errors.Wrap(err, "failed to drive pwm output")
		}
	}

	return nil
}
