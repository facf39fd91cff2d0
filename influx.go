package nodekit

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/pkg/errors"
)

const influxWriteTimeout = 3 * time.Second

// InfluxSink mirrors every state snapshot into an InfluxDB bucket, so
// sensor nodes keep a local history independent of the broker backend.
// Configured from the JSON config; nil when unset.
type InfluxSink struct {
	Host         string
	Organization string
	Bucket       string
	Measurement  string
	Token        string
}

func (is *InfluxSink) WriteState(identity DeviceIdentity, state *DeviceState) error {
	measurement := is.Measurement
	if len(measurement) == 0 {
		measurement = "device_state"
	}

	fields := map[string]interface{}{}
	class := identity.Class
	if class.HasField(FieldPower) {
		fields["power"] = state.Power
	}
	if class.HasField(FieldBrightness) {
		fields["brightness"] = int(state.Brightness)
	}
	if class == SensorNode {
		fields["temperature"] = state.Temperature
		fields["humidity"] = state.Humidity
		fields["motion"] = state.Motion
	}

	if len(fields) == 0 {
		return nil
	}

	point := influxdb2.NewPoint(measurement,
		map[string]string{
			"device_id":   identity.ID,
			"device_type": class.Name,
		},
		fields,
		time.Now())

	client := influxdb2.NewClient(is.Host, is.Token)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), influxWriteTimeout)
	defer cancel()

	err := client.WriteAPIBlocking(is.Organization, is.Bucket).WritePoint(ctx, point)
	if err != nil {
		return errors.Wrap(err, "failed to write state point to influx")
	}

	return nil
}
