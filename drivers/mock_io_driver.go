package drivers

import (
	"context"
	"fmt"
	"io"
)

const mockDriverName = "mock_driver"

type MockOutput struct {
	state            bool
	pin              uint16
	writeTo          io.Writer
	writeStateChange bool
}

func (mo *MockOutput) GetState() (bool, error) {
	return mo.state, nil
}

func (mo *MockOutput) Set(state bool) error {
	if mo.writeStateChange && state != mo.state {
		fmt.Fprintf(mo.writeTo, "[pin %d] state changed to %v\n", mo.pin, state)
	}
	mo.state = state
	return nil
}

type MockInput struct {
	State bool
	pin   uint16

	listeners []EventListener
}

func (mi *MockInput) GetState() (bool, error) {
	return mi.State, nil
}

func (mi *MockInput) SubscribeToPushEvent(listener EventListener) error {
	mi.listeners = append(mi.listeners, listener)
	return nil
}

// Push simulates a physical press edge on the input.
func (mi *MockInput) Push(event PushEvent) {
	for _, listener := range mi.listeners {
		listener.FireEvent(event)
	}
}

type MockPwm struct {
	level uint16
	pin   uint16
}

func (mp *MockPwm) GetLevel() (uint8, error) {
	return uint8(mp.level), nil
}

func (mp *MockPwm) SetLevel(level uint8) error {
	if level > 100 {
		return fmt.Errorf("pwm level out of range: %d", level)
	}
	mp.level = uint16(level)
	return nil
}

type MockIoDriver struct {
	inputs  []*MockInput
	outputs []*MockOutput
	pwms    []*MockPwm
	ready   bool
}

func (md *MockIoDriver) Setup(ctx context.Context, inputs []uint16, outputs []uint16, pwms []uint16) error {
	for _, inPin := range inputs {
		md.inputs = append(md.inputs, &MockInput{pin: inPin})
	}
	for _, outPin := range outputs {
		md.outputs = append(md.outputs, &MockOutput{pin: outPin})
	}
	for _, pwmPin := range pwms {
		md.pwms = append(md.pwms, &MockPwm{pin: pwmPin})
	}
	md.ready = true
	return nil
}

func (md *MockIoDriver) Close() error {
	return nil
}

func (md *MockIoDriver) String() string {
	return mockDriverName
}

func (md *MockIoDriver) IsReady() bool {
	return md.ready
}

func (md *MockIoDriver) GetInput(pin uint16) (DigitalInput, error) {
	for _, input := range md.inputs {
		if pin == input.pin {
			return input, nil
		}
	}
	return nil, fmt.Errorf("mock input %d not found", pin)
}

func (md *MockIoDriver) GetOutput(pin uint16) (DigitalOutput, error) {
	for _, output := range md.outputs {
		if pin == output.pin {
			return output, nil
		}
	}
	return nil, fmt.Errorf("mock output %d not found", pin)
}

func (md *MockIoDriver) GetPwm(pin uint16) (PwmOutput, error) {
	for _, pwm := range md.pwms {
		if pin == pwm.pin {
			return pwm, nil
		}
	}
	return nil, fmt.Errorf("mock pwm %d not found", pin)
}

func (md *MockIoDriver) GetAllIo() (inputs []uint16, outputs []uint16) {
	for _, input := range md.inputs {
		inputs = append(inputs, input.pin)
	}
	for _, output := range md.outputs {
		outputs = append(outputs, output.pin)
	}
	return
}

func (md *MockIoDriver) MonitorStateChanges(writer io.Writer) {
	for _, out := range md.outputs {
		out.writeTo = writer
		out.writeStateChange = true
	}
}
