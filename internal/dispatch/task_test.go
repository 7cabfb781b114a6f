package dispatch

import (
	"errors"
	"testing"
)

func TestNewPublishTask(t *testing.T) {
	task, err := NewPublishTask(42)
	if err != nil {
		t.Fatalf("NewPublishTask returned error: %v", err)
	}
	if task.Type() != TypePublishFlight {
		t.Fatalf("unexpected task type %q", task.Type())
	}
	if string(task.Payload()) != `{"flight_id":42}` {
		t.Fatalf("unexpected payload %s", task.Payload())
	}
	if _, err := NewPublishTask(0); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for zero id, got %v", err)
	}
}

func TestParsePublishPayloadRejectsInvalid(t *testing.T) {
	for _, raw := range []string{``, `not json`, `{}`, `{"flight_id":-3}`, `{"flight_id":"7"}`} {
		if _, err := ParsePublishPayload([]byte(raw)); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("ParsePublishPayload(%q) = %v, want ErrInvalidPayload", raw, err)
		}
	}
	payload, err := ParsePublishPayload([]byte(`{"flight_id":9}`))
	if err != nil || payload.FlightID != 9 {
		t.Fatalf("unexpected parse result %+v, %v", payload, err)
	}
}

func TestTaskIDIsStablePerFlight(t *testing.T) {
	if TaskID(12) != "flight-publish-12" {
		t.Fatalf("unexpected task id %q", TaskID(12))
	}
}
