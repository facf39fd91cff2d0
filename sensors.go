package nodekit

import "time"

const defaultSensorInterval = 5 * time.Second

// SensorSource is the boundary to the device specific acquisition
// logic (DHT/BME readouts, PIR input). The agent only mirrors the last
// observed values into DeviceState; how they are read is not its
// concern.
type SensorSource interface {
	Read() (SensorReading, error)
}

type SensorReading struct {
	Temperature float64
	Humidity    float64
	Motion      bool
}
