package nodekit

import (
	"encoding/json"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// CommandMessage is one inbound command: a name and a raw parameter
// bag, decoded further per command. Lives only for the dispatch call.
type CommandMessage struct {
	Command    string          `json:"command"`
	Parameters json.RawMessage `json:"parameters"`
}

type powerParams struct {
	Power *bool `json:"power"`
}

type brightnessParams struct {
	Brightness *int `json:"brightness"`
}

type colorParams struct {
	R *int `json:"r"`
	G *int `json:"g"`
	B *int `json:"b"`
}

func DecodeCommand(payload []byte) (msg CommandMessage, err error) {
	err = json.Unmarshal(payload, &msg)
	if err != nil {
		err = errors.Wrap(err, "malformed command payload")
		return
	}

	if len(msg.Command) == 0 {
		err = errors.New("malformed command payload: missing command field")
	}

	return
}

// Actuator turns the actuator fields of DeviceState into hardware
// output writes.
type Actuator interface {
	Apply(state *DeviceState) error
}

const defaultRestartFlushDelay = time.Second

// Dispatcher decodes and executes broker commands against the device
// state. Commands outside the device class set are logged and ignored;
// malformed payloads are dropped without side effects. Every mutating
// command applies the change, drives the actuator, publishes state and
// persists, in that order, within the current supervisory cycle.
type Dispatcher struct {
	// RestartFlushDelay is the pause between announcing offline and the
	// actual restart, giving the publish time to flush.
	RestartFlushDelay time.Duration

	class     *DeviceClass
	state     *DeviceState
	store     *StateStore
	actuator  Actuator
	telemetry *Telemetry
	session   *SessionManager
	restarter Restarter
	logger    *log.Logger
}

func NewDispatcher(class *DeviceClass, state *DeviceState, store *StateStore, actuator Actuator, telemetry *Telemetry, session *SessionManager, restarter Restarter) *Dispatcher {
	return &Dispatcher{
		RestartFlushDelay: defaultRestartFlushDelay,
		class:             class,
		state:             state,
		store:             store,
		actuator:          actuator,
		telemetry:         telemetry,
		session:           session,
		restarter:         restarter,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "Dispatcher: ",
			Level:  log.GetLevel(),
		}),
	}
}

// Handle processes a single raw command payload. It never panics and
// never propagates a fault to the supervisory loop.
func (d *Dispatcher) Handle(payload []byte) {
	msg, err := DecodeCommand(payload)
	if err != nil {
		d.logger.Warn("dropping command", "err", err)
		return
	}

	if !d.class.Supports(msg.Command) {
		d.logger.Warn("ignoring unknown command", "command", msg.Command, "class", d.class.Name)
		return
	}

	d.logger.Info("handling command", "command", msg.Command)

	switch msg.Command {
	case "set_power":
		params := powerParams{}
		if !d.decodeParams(msg, &params) || params.Power == nil {
			return
		}
		d.state.Power = *params.Power
		d.applyAndReport()

	case "set_brightness":
		params := brightnessParams{}
		if !d.decodeParams(msg, &params) || params.Brightness == nil {
			return
		}
		d.state.Brightness = clampPercent(*params.Brightness)
		d.applyAndReport()

	case "set_color":
		params := colorParams{}
		if !d.decodeParams(msg, &params) || params.R == nil || params.G == nil || params.B == nil {
			return
		}
		d.state.ColorR = clampByte(*params.R)
		d.state.ColorG = clampByte(*params.G)
		d.state.ColorB = clampByte(*params.B)
		d.applyAndReport()

	case "toggle":
		d.state.Power = !d.state.Power
		d.applyAndReport()

	case "get_status":
		d.telemetry.PublishStatus()
		d.telemetry.PublishState(time.Now())

	case "get_sensors":
		d.telemetry.PublishState(time.Now())

	case "restart":
		d.restartGracefully()
	}
}

func (d *Dispatcher) decodeParams(msg CommandMessage, target interface{}) bool {
	if len(msg.Parameters) == 0 {
		d.logger.Warn("dropping command with missing parameters", "command", msg.Command)
		return false
	}

	err := json.Unmarshal(msg.Parameters, target)
	if err != nil {
		d.logger.Warn("dropping command with malformed parameters", "command", msg.Command, "err", err)
		return false
	}

	return true
}

// applyAndReport runs the four step mutation contract: the state is
// already mutated, so drive the hardware, publish the new state and
// persist it before the loop yields.
func (d *Dispatcher) applyAndReport() {
	err := d.actuator.Apply(d.state)
	if err != nil {
		d.logger.Error("actuator write failed", "err", err)
	}

	d.telemetry.PublishState(time.Now())

	err = d.store.Save(d.class, d.state)
	if err != nil {
		d.logger.Error("state persist failed", "err", err)
	}
}

// restartGracefully announces offline before restarting, the opposite
// of the link-manager fallback restart which relies on the last-will.
func (d *Dispatcher) restartGracefully() {
	d.telemetry.PublishOnline(false)
	time.Sleep(d.RestartFlushDelay)
	if d.session != nil {
		d.session.Close()
	}
	d.restarter.Restart("restart command")
}

func clampPercent(value int) uint8 {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return uint8(value)
}

func clampByte(value int) uint8 {
	if value < 0 {
		return 0
	}
	if value > 255 {
		return 255
	}
	return uint8(value)
}
