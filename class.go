package nodekit

import "github.com/pkg/errors"

// StateField is a single persisted actuator attribute. The per-class
// layout below assigns each field one byte at a fixed offset in the
// persisted record.
type StateField int

const (
	FieldPower StateField = iota
	FieldBrightness
	FieldColorR
	FieldColorG
	FieldColorB
)

// DeviceClass describes one firmware variant: the human readable label,
// the closed set of commands it accepts and the persisted byte layout
// of its actuator state. The firmware variants differ only through this
// table; the agent core is shared.
type DeviceClass struct {
	Name     string
	Label    string
	Commands []string
	Layout   []StateField
}

var SmartLight = &DeviceClass{
	Name:     "smart_light",
	Label:    "Smart Light",
	Commands: []string{"set_power", "set_brightness", "set_color", "toggle", "get_status", "restart"},
	Layout:   []StateField{FieldPower, FieldBrightness, FieldColorR, FieldColorG, FieldColorB},
}

var SmartSwitch = &DeviceClass{
	Name:     "smart_switch",
	Label:    "Smart Switch",
	Commands: []string{"set_power", "toggle", "get_status", "restart"},
	Layout:   []StateField{FieldPower},
}

var SensorNode = &DeviceClass{
	Name:     "sensor_node",
	Label:    "Sensor Node",
	Commands: []string{"get_sensors", "get_status", "restart"},
	Layout:   []StateField{},
}

var deviceClasses = map[string]*DeviceClass{
	SmartLight.Name:  SmartLight,
	SmartSwitch.Name: SmartSwitch,
	SensorNode.Name:  SensorNode,
}

func FindDeviceClass(name string) (*DeviceClass, error) {
	class, found := deviceClasses[name]
	if !found {
		return nil, errors.Errorf("unknown device class: %s", name)
	}
	return class, nil
}

func (dc *DeviceClass) Supports(command string) bool {
	for _, name := range dc.Commands {
		if name == command {
			return true
		}
	}
	return false
}

func (dc *DeviceClass) HasField(field StateField) bool {
	for _, f := range dc.Layout {
		if f == field {
			return true
		}
	}
	return false
}
