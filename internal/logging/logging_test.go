package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetupWriter_Levels(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"chatty", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		SetupWriter(&buf, tt.level, false)
		if got := zerolog.GlobalLevel(); got != tt.want {
			t.Fatalf("level %q: got %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestSetupWriter_JSONOutput(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	SetupWriter(&buf, "info", false)
	log.Info().Str("queue_id", "abc").Msg("claimed")

	out := buf.String()
	if !strings.Contains(out, `"queue_id":"abc"`) || !strings.Contains(out, `"message":"claimed"`) {
		t.Fatalf("unexpected log line: %s", out)
	}
}

func TestSetupWriter_ContextWithoutLoggerUsesGlobal(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	SetupWriter(&buf, "debug", false)
	zerolog.Ctx(context.Background()).Debug().Str("scrape_url", "https://example.org").Msg("skipped")

	if !strings.Contains(buf.String(), `"scrape_url":"https://example.org"`) {
		t.Fatalf("context logger did not reach the global writer: %q", buf.String())
	}
}
