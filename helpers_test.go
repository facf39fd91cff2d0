package nodekit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/hubertat/nodekit/drivers"
)

func assertBools(t testing.TB, got, want bool) {
	t.Helper()

	if got != want {
		t.Errorf("got: %v, want: %v", got, want)
	}
}

func assertInts(t testing.TB, got, want int) {
	t.Helper()

	if got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
}

func assertStrings(t testing.TB, got, want string) {
	t.Helper()

	if got != want {
		t.Errorf("got: %s, want: %s", got, want)
	}
}

type publishRecord struct {
	topic   string
	payload []byte
	retain  bool
}

type fakeBroker struct {
	connected    bool
	connectErr   error
	connectCalls int
	subscribed   []string
	published    []publishRecord
	willTopic    string
	willPayload  []byte
}

func (fb *fakeBroker) Connect(ctx context.Context, topics []string) error {
	fb.connectCalls++
	if fb.connectErr != nil {
		return fb.connectErr
	}
	fb.subscribed = topics
	fb.connected = true
	return nil
}

func (fb *fakeBroker) IsConnected() bool {
	return fb.connected
}

func (fb *fakeBroker) Publish(topic string, payload []byte, retain bool) error {
	if !fb.connected {
		return errors.New("not connected")
	}
	fb.published = append(fb.published, publishRecord{topic: topic, payload: payload, retain: retain})
	return nil
}

func (fb *fakeBroker) SetWill(topic string, payload []byte) {
	fb.willTopic = topic
	fb.willPayload = payload
}

func (fb *fakeBroker) Disconnect() error {
	fb.connected = false
	return nil
}

func (fb *fakeBroker) publishedTo(topic string) (records []publishRecord) {
	for _, record := range fb.published {
		if record.topic == topic {
			records = append(records, record)
		}
	}
	return
}

type fakeRestarter struct {
	reasons []string
}

func (fr *fakeRestarter) Restart(reason string) {
	fr.reasons = append(fr.reasons, reason)
}

type testRig struct {
	class     *DeviceClass
	state     *DeviceState
	store     *StateStore
	storePath string
	broker    *fakeBroker
	restarter *fakeRestarter
	driver    *drivers.MockIoDriver
	telemetry *Telemetry
	dispatch  *Dispatcher
	topics    Topics
	identity  DeviceIdentity
}

func newTestRig(t testing.TB, class *DeviceClass) *testRig {
	t.Helper()

	rig := &testRig{
		class:     class,
		broker:    &fakeBroker{connected: true},
		restarter: &fakeRestarter{},
		driver:    &drivers.MockIoDriver{},
	}

	rig.driver.Setup(context.Background(), []uint16{0}, []uint16{4}, []uint16{2})

	rig.identity = IdentityFromMac(class, "1.0.0", "aa:bb:cc:dd:ee:ff")
	rig.topics = rig.identity.Topics("")

	rig.storePath = filepath.Join(t.TempDir(), "region.bin")
	rig.store = NewStateStore(rig.storePath)
	rig.state = rig.store.Load(class)

	link := NewLinkManager("127.0.0.1:1", rig.restarter)
	rig.telemetry = NewTelemetry(rig.identity, rig.topics, rig.broker, rig.state, link)

	relay, err := rig.driver.GetOutput(4)
	if err != nil {
		t.Fatalf("failed to get mock relay: %v", err)
	}
	dimmer, err := rig.driver.GetPwm(2)
	if err != nil {
		t.Fatalf("failed to get mock pwm: %v", err)
	}

	rig.dispatch = NewDispatcher(class, rig.state, rig.store, NewOutputActuator(relay, dimmer), rig.telemetry, nil, rig.restarter)
	rig.dispatch.RestartFlushDelay = 0

	return rig
}

func (rig *testRig) relayState(t testing.TB) bool {
	t.Helper()

	relay, err := rig.driver.GetOutput(4)
	if err != nil {
		t.Fatalf("failed to get mock relay: %v", err)
	}
	state, _ := relay.GetState()
	return state
}
