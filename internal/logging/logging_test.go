package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf}).With(Player("alice"))

	log.Debug(context.Background(), "report applied", World(100), Err(errors.New("boom")))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["msg"] != "report applied" || line["player_id"] != "alice" || line["world_id"] != float64(100) || line["error"] != "boom" {
		t.Fatalf("unexpected log line %v", line)
	}
}

func TestLevelFiltersLowerSeverities(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})

	log.Info(context.Background(), "dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %q", buf.String())
	}
	log.Warn(context.Background(), "kept")
	if buf.Len() == 0 {
		t.Fatalf("warn line was not written")
	}
}

func TestWithConnLoggerKeepsExistingID(t *testing.T) {
	ctx := ContextWithConnID(context.Background(), "conn-1")
	ctx, _ = WithConnLogger(ctx, Noop())
	if got := ConnIDFromContext(ctx); got != "conn-1" {
		t.Fatalf("conn id = %q, want conn-1", got)
	}
}

func TestWithConnLoggerGeneratesID(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Format: "json", Output: &buf})

	ctx, log := WithConnLogger(context.Background(), base)
	id := ConnIDFromContext(ctx)
	if id == "" {
		t.Fatalf("expected a generated conn id")
	}
	if FromContext(ctx, nil) != log {
		t.Fatalf("context logger differs from the returned logger")
	}

	log.Info(ctx, "hello")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line["conn_id"] != id {
		t.Fatalf("conn_id = %v, want %s", line["conn_id"], id)
	}
}

func TestFromContextFallback(t *testing.T) {
	if _, ok := FromContext(context.Background(), nil).(noopLogger); !ok {
		t.Fatalf("expected the noop logger when nothing is set")
	}
	fallback := New(Config{})
	if FromContext(context.Background(), fallback) != fallback {
		t.Fatalf("expected the fallback logger")
	}
}
