package telemetry

import "testing"

func TestNilSinkPublishNeverTouchesNetwork(t *testing.T) {
	var s *Sink
	// Must not panic and must not attempt any I/O.
	s.Publish(Event{Kind: "transfer.progress", Fields: map[string]string{"n": "1"}})
}

func TestNilSinkCloseIsNoOp(t *testing.T) {
	var s *Sink
	if err := s.Close(); err != nil {
		t.Fatalf("expected nil error from Close on nil sink, got %v", err)
	}
}

func TestEncodeFieldsIsDeterministic(t *testing.T) {
	fields := map[string]string{"b": "2", "a": "1", "c": "3"}
	got := encodeFields(fields)
	want := "a=1,b=2,c=3"
	if got != want {
		t.Fatalf("encodeFields = %q, want %q", got, want)
	}
}

func TestEncodeFieldsEmpty(t *testing.T) {
	if got := encodeFields(nil); got != "" {
		t.Fatalf("encodeFields(nil) = %q, want empty string", got)
	}
}
