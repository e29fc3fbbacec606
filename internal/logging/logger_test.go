package logging

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestNewParsesLevel(t *testing.T) {
	cases := []struct {
		in   string
		want log.Level
	}{
		{in: "debug", want: log.DebugLevel},
		{in: "WARN", want: log.WarnLevel},
		{in: "", want: log.InfoLevel},
		{in: "chatty", want: log.InfoLevel},
	}
	for _, tc := range cases {
		if got := New(Options{Level: tc.in}).GetLevel(); got != tc.want {
			t.Fatalf("New(%q).GetLevel() = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewAddsServiceField(t *testing.T) {
	logger := New(Options{Service: "collabboard-api"})
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.WithField("board_id", "brd_1").Info("board created")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["service"] != "collabboard-api" {
		t.Fatalf("service = %v, want collabboard-api", entry["service"])
	}
	if entry["board_id"] != "brd_1" {
		t.Fatalf("board_id = %v, want brd_1", entry["board_id"])
	}
}

func TestNewWithFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.log")
	logger := New(Options{File: path})
	if logger.Out == nil {
		t.Fatal("expected an output writer")
	}
}
