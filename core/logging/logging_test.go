package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/wricardo/mcp-training/toolgate/core/config"
)

func TestNew(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		log, err := New(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}

		log.Debug().Msg("hidden")
		log.Info().Str("session_id", "s-1").Msg("visible")

		out := buf.String()
		if strings.Contains(out, "hidden") {
			t.Error("Expected debug message to be filtered at info level")
		}
		for _, want := range []string{`"message":"visible"`, `"session_id":"s-1"`, `"service":"toolgate"`} {
			if !strings.Contains(out, want) {
				t.Errorf("Expected %s in %s", want, out)
			}
		}
	})

	t.Run("console", func(t *testing.T) {
		var buf bytes.Buffer
		log, err := New(config.LoggingConfig{Level: "DEBUG", Format: "console"}, &buf)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		log.Debug().Msg("draining sessions")
		if !strings.Contains(buf.String(), "draining sessions") {
			t.Errorf("Expected console output, got %q", buf.String())
		}
		if strings.HasPrefix(buf.String(), "{") {
			t.Error("Expected human-readable output, got JSON")
		}
	})

	t.Run("invalid level", func(t *testing.T) {
		if _, err := New(config.LoggingConfig{Level: "loud"}, &bytes.Buffer{}); err == nil {
			t.Error("Expected error for invalid level")
		}
	})

	t.Run("invalid format", func(t *testing.T) {
		if _, err := New(config.LoggingConfig{Level: "info", Format: "xml"}, &bytes.Buffer{}); err == nil {
			t.Error("Expected error for invalid format")
		}
	})
}
