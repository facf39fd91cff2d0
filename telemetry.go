package nodekit

import (
	"encoding/json"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/shirou/gopsutil/v3/mem"
)

const defaultHeartbeatInterval = 30 * time.Second
const defaultStatusInterval = 60 * time.Second
const defaultStateInterval = 5 * time.Second

type onlinePayload struct {
	Online    bool  `json:"online"`
	Timestamp int64 `json:"timestamp"`
}

type statePayload struct {
	Power      *bool  `json:"power,omitempty"`
	Brightness *uint8 `json:"brightness,omitempty"`
	ColorR     *uint8 `json:"color_r,omitempty"`
	ColorG     *uint8 `json:"color_g,omitempty"`
	ColorB     *uint8 `json:"color_b,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Motion      *bool    `json:"motion_detected,omitempty"`

	Timestamp int64 `json:"timestamp"`
}

type statusPayload struct {
	DeviceId        string `json:"device_id"`
	DeviceType      string `json:"device_type"`
	FirmwareVersion string `json:"firmware_version"`
	MacAddress      string `json:"mac_address"`
	IpAddress       string `json:"ip_address"`
	Online          bool   `json:"online"`
	WifiRssi        int    `json:"wifi_rssi"`
	FreeHeap        uint64 `json:"free_heap"`
	Uptime          int64  `json:"uptime"`
}

func encodeOnline(online bool) []byte {
	payload, _ := json.Marshal(onlinePayload{
		Online:    online,
		Timestamp: time.Now().UnixMilli(),
	})
	return payload
}

// TelemetrySink receives every state snapshot next to the broker
// publish. The InfluxDB sink implements it.
type TelemetrySink interface {
	WriteState(identity DeviceIdentity, state *DeviceState) error
}

// Telemetry emits the three periodic publish kinds, each on its own
// cadence measured against the supervisory loop's wall clock. All
// publishes are fire and forget: with the session down they are
// skipped and the next cycle after reconnection catches up.
type Telemetry struct {
	HeartbeatInterval time.Duration
	StatusInterval    time.Duration
	StateInterval     time.Duration

	identity DeviceIdentity
	topics   Topics
	conn     BrokerConn
	state    *DeviceState
	link     *LinkManager
	sink     TelemetrySink
	bootTime time.Time
	logger   *log.Logger
}

func NewTelemetry(identity DeviceIdentity, topics Topics, conn BrokerConn, state *DeviceState, link *LinkManager) *Telemetry {
	return &Telemetry{
		HeartbeatInterval: defaultHeartbeatInterval,
		StatusInterval:    defaultStatusInterval,
		StateInterval:     defaultStateInterval,
		identity:          identity,
		topics:            topics,
		conn:              conn,
		state:             state,
		link:              link,
		bootTime:          time.Now(),
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "Telemetry: ",
			Level:  log.GetLevel(),
		}),
	}
}

func (tl *Telemetry) SetSink(sink TelemetrySink) {
	tl.sink = sink
}

// Run advances all three cadences. Called once per supervisory cycle.
func (tl *Telemetry) Run(now time.Time) {
	if !tl.conn.IsConnected() {
		return
	}

	if now.Sub(tl.state.lastHeartbeat) > tl.HeartbeatInterval {
		tl.PublishOnline(true)
		tl.state.lastHeartbeat = now
	}

	if now.Sub(tl.state.lastStatus) > tl.StatusInterval {
		tl.PublishStatus()
		tl.state.lastStatus = now
	}

	if now.Sub(tl.state.lastState) > tl.StateInterval {
		tl.PublishState(now)
	}
}

func (tl *Telemetry) PublishOnline(online bool) {
	err := tl.conn.Publish(tl.topics.Online, encodeOnline(online), true)
	if err != nil {
		tl.logger.Debug("online publish skipped", "err", err)
	}
}

func (tl *Telemetry) PublishStatus() {
	payload, err := json.Marshal(tl.statusPayload())
	if err != nil {
		tl.logger.Error("failed to marshal status", "err", err)
		return
	}

	err = tl.conn.Publish(tl.topics.Status, payload, true)
	if err != nil {
		tl.logger.Debug("status publish skipped", "err", err)
	}
}

// PublishState emits the actuator/sensor snapshot, not retained. Also
// called directly by the dispatcher on every state mutating command.
func (tl *Telemetry) PublishState(now time.Time) {
	payload, err := json.Marshal(tl.statePayload(now))
	if err != nil {
		tl.logger.Error("failed to marshal state", "err", err)
		return
	}

	err = tl.conn.Publish(tl.topics.State, payload, false)
	if err != nil {
		tl.logger.Debug("state publish skipped", "err", err)
		return
	}
	tl.state.lastState = now

	if tl.sink != nil {
		err = tl.sink.WriteState(tl.identity, tl.state)
		if err != nil {
			tl.logger.Warn("telemetry sink write failed", "err", err)
		}
	}
}

func (tl *Telemetry) statePayload(now time.Time) statePayload {
	payload := statePayload{Timestamp: now.UnixMilli()}

	class := tl.identity.Class
	if class.HasField(FieldPower) {
		payload.Power = &tl.state.Power
	}
	if class.HasField(FieldBrightness) {
		payload.Brightness = &tl.state.Brightness
	}
	if class.HasField(FieldColorR) {
		payload.ColorR = &tl.state.ColorR
		payload.ColorG = &tl.state.ColorG
		payload.ColorB = &tl.state.ColorB
	}

	if class == SensorNode {
		payload.Temperature = &tl.state.Temperature
		payload.Humidity = &tl.state.Humidity
		payload.Motion = &tl.state.Motion
	}

	return payload
}

func (tl *Telemetry) statusPayload() statusPayload {
	payload := statusPayload{
		DeviceId:        tl.identity.ID,
		DeviceType:      tl.identity.Class.Label,
		FirmwareVersion: tl.identity.FirmwareVersion,
		MacAddress:      tl.identity.Mac,
		IpAddress:       localIpAddr(),
		Online:          tl.conn.IsConnected(),
		WifiRssi:        tl.link.Quality(),
		Uptime:          int64(time.Since(tl.bootTime).Seconds()),
	}

	vmem, err := mem.VirtualMemory()
	if err == nil {
		payload.FreeHeap = vmem.Available
	}

	return payload
}
