package nodekit

import (
	"context"
	"net/url"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/nodekit/drivers"
	"github.com/hubertat/nodekit/mqtt"
)

const defaultLoopTick = 100 * time.Millisecond
const inboundQueueSize = 16

// OutputPin binds one actuator output to a driver pin.
type OutputPin struct {
	DriverName string
	Pin        uint16
}

// NodeKit is the agent root: it owns all mutable device state and runs
// the single supervisory loop that sequences link, session, commands,
// telemetry and updates. Public fields come from the JSON config file.
type NodeKit struct {
	Name      string
	Class     string
	Namespace string

	MqttBroker   string
	MqttUser     string
	MqttPassword string

	StatePath string
	AdminAddr string

	Relay  *OutputPin
	Dimmer *OutputPin
	Button *Button

	Influx *InfluxSink

	Gpio       *drivers.GpIO
	Mcp23017   *drivers.McpIO
	FakeDriver *drivers.MockIoDriver

	LoopTick time.Duration

	identity  DeviceIdentity
	topics    Topics
	state     *DeviceState
	store     *StateStore
	ioDrivers map[string]drivers.IoDriver

	link      *LinkManager
	session   *SessionManager
	dispatch  *Dispatcher
	telemetry *Telemetry
	ota       *OTAExecutor
	watchdog  *Watchdog
	admin     *AdminServer
	restarter Restarter

	sensorSource   SensorSource
	lastSensorRead time.Time

	inbound    chan mqtt.Message
	adminQueue chan []byte
	logger     *log.Logger
}

func (nk *NodeKit) InitDrivers(ctx context.Context) error {
	nk.ioDrivers = make(map[string]drivers.IoDriver)

	if nk.Gpio != nil {
		nk.ioDrivers[nk.Gpio.String()] = nk.Gpio
	}

	if nk.Mcp23017 != nil {
		nk.ioDrivers[nk.Mcp23017.String()] = nk.Mcp23017
	}

	if nk.FakeDriver != nil {
		nk.ioDrivers[nk.FakeDriver.String()] = nk.FakeDriver
	}

	for name, driver := range nk.ioDrivers {
		err := driver.Setup(ctx, nk.inPins(name), nk.outPins(name), nk.pwmPins(name))
		if err != nil {
			return errors.Wrapf(err, "failed to setup %s driver", name)
		}
	}

	return nil
}

func (nk *NodeKit) inPins(driverName string) (pins []uint16) {
	if nk.Button != nil && nk.Button.DriverName == driverName {
		pins = append(pins, nk.Button.InPin)
	}
	return
}

func (nk *NodeKit) outPins(driverName string) (pins []uint16) {
	if nk.Relay != nil && nk.Relay.DriverName == driverName {
		pins = append(pins, nk.Relay.Pin)
	}
	return
}

func (nk *NodeKit) pwmPins(driverName string) (pins []uint16) {
	if nk.Dimmer != nil && nk.Dimmer.DriverName == driverName {
		pins = append(pins, nk.Dimmer.Pin)
	}
	return
}

// Init wires all components together. Drivers must be set up first.
func (nk *NodeKit) Init(ctx context.Context, firmwareVersion string) error {
	nk.logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "NodeKit: ",
		Level:  log.GetLevel(),
	})

	if nk.restarter == nil {
		nk.restarter = ProcessRestarter{}
	}
	if nk.LoopTick == 0 {
		nk.LoopTick = defaultLoopTick
	}

	class, err := FindDeviceClass(nk.Class)
	if err != nil {
		return err
	}

	nk.identity, err = NewDeviceIdentity(class, firmwareVersion)
	if err != nil {
		return errors.Wrap(err, "failed to build device identity")
	}
	nk.topics = nk.identity.Topics(nk.Namespace)

	nk.logger.Info("device identity", "id", nk.identity.ID, "class", class.Name, "firmware", firmwareVersion)

	statePath := nk.StatePath
	if len(statePath) == 0 {
		statePath = "./region.bin"
	}
	nk.store = NewStateStore(statePath)
	nk.state = nk.store.Load(class)

	if len(nk.MqttBroker) == 0 {
		return errors.New("mqtt broker not set")
	}

	nk.inbound = make(chan mqtt.Message, inboundQueueSize)
	nk.adminQueue = make(chan []byte, inboundQueueSize)

	mc, err := mqtt.NewMqttClient(nk.MqttBroker, nk.identity.ID, nk.inbound)
	if err != nil {
		return errors.Wrap(err, "failed to create mqtt client")
	}
	if len(nk.MqttUser) > 0 {
		mc.SetCredentials(nk.MqttUser, nk.MqttPassword)
	}

	nk.link = NewLinkManager(brokerProbeAddr(nk.MqttBroker), nk.restarter)
	nk.session = NewSessionManager(mc, nk.topics)
	nk.telemetry = NewTelemetry(nk.identity, nk.topics, mc, nk.state, nk.link)
	if nk.Influx != nil {
		nk.telemetry.SetSink(nk.Influx)
	}

	actuator, err := nk.buildActuator()
	if err != nil {
		return err
	}

	nk.dispatch = NewDispatcher(class, nk.state, nk.store, actuator, nk.telemetry, nk.session, nk.restarter)
	nk.ota = NewOTAExecutor(nk.identity, nk.topics, mc, nk.restarter)
	nk.watchdog = NewWatchdog(nk.restarter)
	nk.ota.OnProgress = nk.watchdog.Feed

	nk.session.OnSessionUp = func() {
		nk.telemetry.PublishOnline(true)
		nk.telemetry.PublishStatus()
	}

	if nk.Button != nil {
		driver, found := nk.ioDrivers[nk.Button.DriverName]
		if !found {
			return errors.Errorf("button driver %s not set up", nk.Button.DriverName)
		}
		err = nk.Button.Init(driver)
		if err != nil {
			return errors.Wrap(err, "failed to init button")
		}
	}

	if len(nk.AdminAddr) > 0 {
		nk.admin = NewAdminServer(nk.AdminAddr, nk.identity, nk.EnqueueCommand)
		nk.admin.Connection = func() string {
			return nk.ConnectionStatus().String()
		}
	}

	// boot state drives the outputs before the first command arrives
	err = actuator.Apply(nk.state)
	if err != nil {
		nk.logger.Warn("failed to drive boot state", "err", err)
	}

	return nil
}

func (nk *NodeKit) buildActuator() (Actuator, error) {
	var relay drivers.DigitalOutput
	var dimmer drivers.PwmOutput
	var err error

	if nk.Relay != nil {
		driver, found := nk.ioDrivers[nk.Relay.DriverName]
		if !found {
			return nil, errors.Errorf("relay driver %s not set up", nk.Relay.DriverName)
		}
		relay, err = driver.GetOutput(nk.Relay.Pin)
		if err != nil {
			return nil, errors.Wrap(err, "failed to get relay output")
		}
	}

	if nk.Dimmer != nil {
		driver, found := nk.ioDrivers[nk.Dimmer.DriverName]
		if !found {
			return nil, errors.Errorf("dimmer driver %s not set up", nk.Dimmer.DriverName)
		}
		dimmer, err = driver.GetPwm(nk.Dimmer.Pin)
		if err != nil {
			return nil, errors.Wrap(err, "failed to get dimmer pwm")
		}
	}

	return NewOutputActuator(relay, dimmer), nil
}

// ConnectionStatus is the combined link/session state: the session
// state only means anything while the link below it is up.
func (nk *NodeKit) ConnectionStatus() ConnectionState {
	if nk.link.State() != LinkUp {
		return nk.link.State()
	}
	return nk.session.State()
}

func (nk *NodeKit) SetProvisioner(provisioner Provisioner) {
	nk.link.SetProvisioner(provisioner)
}

func (nk *NodeKit) SetSensorSource(source SensorSource) {
	nk.sensorSource = source
}

// EnqueueCommand feeds a command into the supervisory loop from the
// admin surface. Admin commands are drained every cycle, including in
// broker fallback mode.
func (nk *NodeKit) EnqueueCommand(payload []byte) error {
	select {
	case nk.adminQueue <- payload:
		return nil
	default:
		return errors.New("admin command queue full")
	}
}

// Run is the supervisory loop. It owns every DeviceState mutation and
// never lets a component fault escape: all errors resolve into logged
// state transitions.
func (nk *NodeKit) Run(ctx context.Context) error {
	nk.watchdog.Start(ctx)
	if nk.admin != nil {
		nk.admin.Start(ctx)
	}

	ticker := time.NewTicker(nk.LoopTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			nk.shutdown()
			return ctx.Err()
		case <-ticker.C:
		}

		nk.watchdog.Feed()
		now := time.Now()

		linkState := nk.link.EnsureLink(ctx)

		sessionState := Disconnected
		if linkState == LinkUp {
			// the probe and the broker connect are each bounded, but
			// back to back they can outlast the watchdog interval
			nk.watchdog.Feed()
			sessionState = nk.session.EnsureSession(ctx)
		}

		nk.drainButton(now)
		nk.drainAdminQueue()

		if sessionState == SessionUp {
			nk.drainInbound()
		}

		nk.readSensors(now)
		nk.telemetry.Run(now)
		nk.ota.Advance(ctx)
	}
}

func (nk *NodeKit) drainButton(now time.Time) {
	if nk.Button == nil {
		return
	}
	if !nk.Button.Drain(now, nk.state) {
		return
	}
	if !nk.identity.Class.Supports("toggle") {
		return
	}

	nk.logger.Info("button pressed, toggling power")
	nk.dispatch.Handle([]byte(`{"command":"toggle"}`))
}

func (nk *NodeKit) drainAdminQueue() {
	for {
		select {
		case payload := <-nk.adminQueue:
			nk.dispatch.Handle(payload)
		default:
			return
		}
	}
}

func (nk *NodeKit) drainInbound() {
	for {
		select {
		case msg := <-nk.inbound:
			switch msg.Topic {
			case nk.topics.Command:
				nk.dispatch.Handle(msg.Payload)
			case nk.topics.Ota:
				nk.ota.HandleDirective(msg.Payload)
			default:
				nk.logger.Warn("message on unexpected topic", "topic", msg.Topic)
			}
		default:
			return
		}
	}
}

func (nk *NodeKit) readSensors(now time.Time) {
	if nk.sensorSource == nil {
		return
	}
	if now.Sub(nk.lastSensorRead) < defaultSensorInterval {
		return
	}
	nk.lastSensorRead = now

	reading, err := nk.sensorSource.Read()
	if err != nil {
		nk.logger.Warn("sensor read failed", "err", err)
		return
	}

	nk.state.Temperature = reading.Temperature
	nk.state.Humidity = reading.Humidity
	nk.state.Motion = reading.Motion
}

func (nk *NodeKit) shutdown() {
	if nk.session.Connected() {
		nk.telemetry.PublishOnline(false)
		nk.session.Close()
	}
	nk.Close()
}

func (nk *NodeKit) Close() (err error) {
	for _, driver := range nk.ioDrivers {
		if driver != nil {
			closeErr := driver.Close()
			if closeErr == nil {
				continue
			}
			if err == nil {
				err = closeErr
			} else {
				err = errors.Wrap(err, closeErr.Error())
			}
		}
	}

	return
}

// brokerProbeAddr uses the broker host as the link probe target: when
// the broker port answers a TCP dial the link is considered up.
func brokerProbeAddr(broker string) string {
	u, err := url.Parse(broker)
	if err != nil || len(u.Host) == 0 {
		return broker
	}
	return u.Host
}
