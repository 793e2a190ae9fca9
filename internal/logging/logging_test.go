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
	log := New(Config{Level: "debug", Format: "json", Output: &buf})

	log.With(String("region", "North")).Info(context.Background(), "deficit rule fired",
		Float("rate", 0.675),
		Int("hour", 3),
		Err(errors.New("boom")),
	)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "deficit rule fired" || rec["region"] != "North" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["rate"] != 0.675 || rec["hour"] != float64(3) || rec["error"] != "boom" {
		t.Fatalf("fields not preserved: %v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})
	log.Info(context.Background(), "quiet")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warn level: %q", buf.String())
	}
	log.Warn(context.Background(), "loud")
	if buf.Len() == 0 {
		t.Fatalf("warn record dropped at warn level")
	}
}

func TestEnsureRunIDIsStable(t *testing.T) {
	ctx, id := EnsureRunID(context.Background())
	if id == "" {
		t.Fatalf("EnsureRunID returned empty id")
	}
	again, id2 := EnsureRunID(ctx)
	if id2 != id || RunIDFromContext(again) != id {
		t.Fatalf("EnsureRunID changed id: %q -> %q", id, id2)
	}
	if got := RunIDFromContext(context.Background()); got != "" {
		t.Fatalf("RunIDFromContext(empty) = %q, want empty", got)
	}
}
