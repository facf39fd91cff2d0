package drivers

import (
	"context"
	"testing"
)

func assertBools(t testing.TB, got, want bool) {
	t.Helper()

	if got != want {
		t.Errorf("got %v want %v", got, want)
	}
}

func assertUint16Slices(t testing.TB, got, want []uint16) {
	t.Helper()

	if len(got) != len(want) {
		t.Errorf("len(got) = %d len(want) = %d", len(got), len(want))
		return
	}

	for key, val := range got {
		if want[key] != val {
			t.Errorf("for key [%d] got: %d want: %d", key, val, want[key])
		}
	}
}

func TestMockInputGetState(t *testing.T) {
	inEnabled := MockInput{State: true}
	inDisabled := MockInput{State: false}

	state, _ := inEnabled.GetState()
	if state != true {
		t.Error("MockInput GetState failed")
	}

	state, _ = inDisabled.GetState()
	if state != false {
		t.Error("MockInput GetState failed")
	}
}

func TestMockOutputSetState(t *testing.T) {
	out := MockOutput{}

	want := true
	out.Set(want)
	got, _ := out.GetState()
	assertBools(t, got, want)

	want = false
	out.Set(want)
	got, _ = out.GetState()
	assertBools(t, got, want)

	want = true
	out.Set(want)
	got, _ = out.GetState()
	assertBools(t, got, want)
}

func TestMockIoSetup(t *testing.T) {
	md := MockIoDriver{}

	want := false
	got := md.IsReady()
	assertBools(t, got, want)

	md.Setup(context.Background(), []uint16{1, 3, 5}, []uint16{2, 4}, []uint16{})
	want = true
	got = md.IsReady()
	assertBools(t, got, want)
}

func TestMockIoGetAllIo(t *testing.T) {
	md := MockIoDriver{}
	md.Setup(context.Background(), []uint16{1, 3, 5}, []uint16{2, 4}, []uint16{})
	inputs, outputs := md.GetAllIo()
	assertUint16Slices(t, inputs, []uint16{1, 3, 5})
	assertUint16Slices(t, outputs, []uint16{2, 4})
}

func TestMockPwmLevel(t *testing.T) {
	md := MockIoDriver{}
	md.Setup(context.Background(), []uint16{}, []uint16{}, []uint16{7})

	pwm, err := md.GetPwm(7)
	if err != nil {
		t.Fatalf("GetPwm returned err: %v", err)
	}

	err = pwm.SetLevel(42)
	if err != nil {
		t.Errorf("SetLevel returned err: %v", err)
	}

	level, _ := pwm.GetLevel()
	if level != 42 {
		t.Errorf("got level %d want 42", level)
	}

	err = pwm.SetLevel(101)
	if err == nil {
		t.Error("expected error for out of range pwm level")
	}
}

type recordingListener struct {
	events []PushEvent
}

func (rl *recordingListener) FireEvent(event PushEvent) {
	rl.events = append(rl.events, event)
}

func TestMockInputPushEvent(t *testing.T) {
	md := MockIoDriver{}
	md.Setup(context.Background(), []uint16{9}, []uint16{}, []uint16{})

	input, err := md.GetInput(9)
	if err != nil {
		t.Fatalf("GetInput returned err: %v", err)
	}

	listener := &recordingListener{}
	err = input.SubscribeToPushEvent(listener)
	if err != nil {
		t.Fatalf("SubscribeToPushEvent returned err: %v", err)
	}

	mockIn := input.(*MockInput)
	mockIn.Push(PushEventSinglePress)
	mockIn.Push(PushEventLongPress)

	if len(listener.events) != 2 {
		t.Fatalf("got %d events want 2", len(listener.events))
	}
	if listener.events[0] != PushEventSinglePress || listener.events[1] != PushEventLongPress {
		t.Errorf("unexpected events: %v", listener.events)
	}
}
