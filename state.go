package nodekit

import (
	"os"
	"time"

	"github.com/pkg/errors"
)

// DeviceState mirrors the actuator outputs plus the last observed
// sensor values. Actuator fields survive power loss through the
// StateStore; sensor readings do not.
type DeviceState struct {
	Power      bool
	Brightness uint8
	ColorR     uint8
	ColorG     uint8
	ColorB     uint8

	Temperature float64
	Humidity    float64
	Motion      bool

	lastHeartbeat time.Time
	lastStatus    time.Time
	lastState     time.Time
	lastEdge      time.Time
}

func DefaultDeviceState() *DeviceState {
	return &DeviceState{
		Brightness: 100,
		ColorR:     255,
		ColorG:     255,
		ColorB:     255,
	}
}

func (st *DeviceState) fieldValue(field StateField) byte {
	switch field {
	case FieldPower:
		if st.Power {
			return 1
		}
		return 0
	case FieldBrightness:
		return st.Brightness
	case FieldColorR:
		return st.ColorR
	case FieldColorG:
		return st.ColorG
	case FieldColorB:
		return st.ColorB
	}
	return 0
}

func (st *DeviceState) setField(field StateField, value byte) {
	switch field {
	case FieldPower:
		st.Power = value == 1
	case FieldBrightness:
		if value > 100 {
			value = 100
		}
		st.Brightness = value
	case FieldColorR:
		st.ColorR = value
	case FieldColorG:
		st.ColorG = value
	case FieldColorB:
		st.ColorB = value
	}
}

const regionSize = 64
const regionMagic = 0xA5

// StateStore keeps the actuator state in a fixed size byte region on
// disk, one byte per field at the offset given by the class layout.
// Byte zero is a magic marker separating a written region from a fresh
// or wiped one.
type StateStore struct {
	path string
}

func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Load reads the region once at boot. A missing file, a short file or
// an unset magic byte all resolve to class defaults; a corrupt field
// value is clamped, never propagated.
func (ss *StateStore) Load(class *DeviceClass) *DeviceState {
	state := DefaultDeviceState()

	region, err := os.ReadFile(ss.path)
	if err != nil {
		return state
	}

	if len(region) < 1+len(class.Layout) || region[0] != regionMagic {
		return state
	}

	for i, field := range class.Layout {
		state.setField(field, region[1+i])
	}

	return state
}

// Save writes the current actuator fields synchronously. Called after
// every mutating command, before the supervisory loop yields.
func (ss *StateStore) Save(class *DeviceClass, state *DeviceState) error {
	region := make([]byte, regionSize)
	region[0] = regionMagic
	for i, field := range class.Layout {
		region[1+i] = state.fieldValue(field)
	}

	file, err := os.OpenFile(ss.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to open state region")
	}
	defer file.Close()

	_, err = file.WriteAt(region, 0)
	if err != nil {
		return errors.Wrap(err, "failed to write state region")
	}

	err = file.Sync()
	if err != nil {
		return errors.Wrap(err, "failed to sync state region")
	}

	return nil
}
