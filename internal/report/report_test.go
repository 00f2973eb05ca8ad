package report

import (
	"errors"
	"testing"
)

func TestDisabledWithoutDSN(t *testing.T) {
	s, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Enabled() {
		t.Fatal("reporter enabled without a DSN")
	}
	s.Capture(errors.New("boom"), map[string]string{"sequence_id": "seq_1"})
	s.Flush(0)

	var nilSentry *Sentry
	nilSentry.Capture(errors.New("boom"), nil)
}
