package logging

import (
	"bytes"
	"errors"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"montage/internal/config"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	h := &TraditionalHandler{logger: log.New(&buf, "", 0), level: slog.LevelInfo}
	logger := slog.New(h).With("run_id", "r1")

	logger.Debug("hidden")
	LogProcessingStep(logger, "r1", "matched", "done", map[string]any{"edges": 3})
	LogJobError(logger, "montage", "j1", time.Second, errors.New("boom"), nil)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record should be filtered:\n%s", out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "[INFO] processing step [run_id=r1 ") || !strings.Contains(lines[0], "step=matched") {
		t.Fatalf("unexpected step line %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "[ERROR] job failed") || !strings.Contains(lines[1], "error=boom") {
		t.Fatalf("unexpected error line %q", lines[1])
	}
}

func TestSetupWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = filepath.Join(t.TempDir(), "logs")
	defer slog.SetDefault(slog.Default())

	logger, err := Setup(cfg)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	logger.Warn("tile dropped", "tile", "t7")

	name := filepath.Join(cfg.Logging.LogDir, "montage-"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "montage logging initialized") || !strings.Contains(string(data), "[WARN] tile dropped [tile=t7]") {
		t.Fatalf("unexpected log file contents:\n%s", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
