package nodekit

import (
	"encoding/json"
	"os"
	"testing"
)

func TestUnknownCommandHasNoSideEffects(t *testing.T) {
	rig := newTestRig(t, SmartLight)

	rig.dispatch.Handle([]byte(`{"command":"self_destruct","parameters":{}}`))

	assertBools(t, rig.state.Power, false)
	assertInts(t, len(rig.broker.published), 0)

	if _, err := os.Stat(rig.storePath); !os.IsNotExist(err) {
		t.Error("unknown command must not persist state")
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	rig := newTestRig(t, SmartLight)

	rig.dispatch.Handle([]byte(`{not json`))
	rig.dispatch.Handle([]byte(`{"parameters":{"power":true}}`))
	rig.dispatch.Handle([]byte(`{"command":"set_power"}`))
	rig.dispatch.Handle([]byte(`{"command":"set_power","parameters":{"power":"yes"}}`))

	assertBools(t, rig.state.Power, false)
	assertInts(t, len(rig.broker.published), 0)
}

func TestSetPowerScenario(t *testing.T) {
	rig := newTestRig(t, SmartLight)
	assertBools(t, rig.state.Power, false)

	rig.dispatch.Handle([]byte(`{"command":"set_power","parameters":{"power":true}}`))

	// actuator driven on
	assertBools(t, rig.relayState(t), true)

	// state published with power true
	stateRecords := rig.broker.publishedTo(rig.topics.State)
	assertInts(t, len(stateRecords), 1)

	published := struct {
		Power *bool `json:"power"`
	}{}
	err := json.Unmarshal(stateRecords[0].payload, &published)
	if err != nil {
		t.Fatalf("failed to decode state publish: %v", err)
	}
	if published.Power == nil || !*published.Power {
		t.Error("state publish missing power:true")
	}

	// persisted byte for power is 1
	region, err := os.ReadFile(rig.storePath)
	if err != nil {
		t.Fatalf("state not persisted: %v", err)
	}
	assertInts(t, int(region[1]), 1)
}

func TestToggle(t *testing.T) {
	rig := newTestRig(t, SmartLight)

	rig.dispatch.Handle([]byte(`{"command":"toggle"}`))
	assertBools(t, rig.state.Power, true)
	assertBools(t, rig.relayState(t), true)

	rig.dispatch.Handle([]byte(`{"command":"toggle"}`))
	assertBools(t, rig.state.Power, false)
	assertBools(t, rig.relayState(t), false)
}

func TestSetBrightnessClamped(t *testing.T) {
	rig := newTestRig(t, SmartLight)

	rig.dispatch.Handle([]byte(`{"command":"set_brightness","parameters":{"brightness":250}}`))
	assertInts(t, int(rig.state.Brightness), 100)

	rig.dispatch.Handle([]byte(`{"command":"set_brightness","parameters":{"brightness":-5}}`))
	assertInts(t, int(rig.state.Brightness), 0)

	rig.dispatch.Handle([]byte(`{"command":"set_brightness","parameters":{"brightness":60}}`))
	assertInts(t, int(rig.state.Brightness), 60)
}

func TestSetColor(t *testing.T) {
	rig := newTestRig(t, SmartLight)

	rig.dispatch.Handle([]byte(`{"command":"set_color","parameters":{"r":1,"g":2,"b":3}}`))
	assertInts(t, int(rig.state.ColorR), 1)
	assertInts(t, int(rig.state.ColorG), 2)
	assertInts(t, int(rig.state.ColorB), 3)

	// partial color payload is malformed, no change
	rig.dispatch.Handle([]byte(`{"command":"set_color","parameters":{"r":9}}`))
	assertInts(t, int(rig.state.ColorR), 1)
}

func TestClassCommandSetClosed(t *testing.T) {
	rig := newTestRig(t, SmartSwitch)

	// set_brightness is not in the smart switch set
	rig.dispatch.Handle([]byte(`{"command":"set_brightness","parameters":{"brightness":10}}`))

	assertInts(t, int(rig.state.Brightness), 100)
	assertInts(t, len(rig.broker.published), 0)
}

func TestGetStatusTriggersPublishes(t *testing.T) {
	rig := newTestRig(t, SmartLight)

	rig.dispatch.Handle([]byte(`{"command":"get_status"}`))

	assertInts(t, len(rig.broker.publishedTo(rig.topics.Status)), 1)
	assertInts(t, len(rig.broker.publishedTo(rig.topics.State)), 1)
}

func TestRestartCommandGraceful(t *testing.T) {
	rig := newTestRig(t, SmartLight)

	rig.dispatch.Handle([]byte(`{"command":"restart"}`))

	onlineRecords := rig.broker.publishedTo(rig.topics.Online)
	assertInts(t, len(onlineRecords), 1)

	announced := struct {
		Online bool `json:"online"`
	}{Online: true}
	json.Unmarshal(onlineRecords[0].payload, &announced)
	assertBools(t, announced.Online, false)

	assertInts(t, len(rig.restarter.reasons), 1)
}

func TestDecodeCommand(t *testing.T) {
	msg, err := DecodeCommand([]byte(`{"command":"toggle","parameters":{"x":1}}`))
	if err != nil {
		t.Fatalf("DecodeCommand returned err: %v", err)
	}
	assertStrings(t, msg.Command, "toggle")

	_, err = DecodeCommand([]byte(`{}`))
	if err == nil {
		t.Error("expected error for missing command field")
	}
}
