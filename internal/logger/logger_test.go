package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		" error ": zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWritesServiceFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{
		Level:       "info",
		Environment: "production",
		ServiceName: "procurement-approvals",
		Version:     "1.2.3",
		Output:      &buf,
	})

	log.Info().Str("request_id", "r1").Msg("approval request created")
	log.Debug().Msg("filtered out")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if entry["service"] != "procurement-approvals" || entry["version"] != "1.2.3" {
		t.Errorf("missing service fields: %v", entry)
	}
	if entry["request_id"] != "r1" {
		t.Errorf("request_id = %v", entry["request_id"])
	}
}
