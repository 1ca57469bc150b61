package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ZRnown/dingdanBot/internal/config"
)

func TestNewWritesToLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	log, err := New(config.LogConfig{Level: "debug", Encoding: "json", Dir: dir})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Info("order tracked")
	_ = log.Sync()

	raw, err := os.ReadFile(filepath.Join(dir, "bot.log"))
	if err != nil {
		t.Fatalf("read bot.log: %v", err)
	}
	if !strings.Contains(string(raw), "order tracked") || !strings.Contains(string(raw), `"app":"dingdanbot"`) {
		t.Fatalf("bot.log=%q", raw)
	}
}

func TestNewFallsBackOnBadLevel(t *testing.T) {
	log, err := New(config.LogConfig{Level: "loud"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if log.Core().Enabled(-1) {
		t.Fatalf("debug enabled for unknown level")
	}
}
