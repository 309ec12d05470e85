package logging_test

import (
	"testing"

	"github.com/atlas-desktop/strategy-sim/internal/logging"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	for _, enc := range []string{"console", "json", ""} {
		logger, err := logging.New("debug", enc)
		if err != nil {
			t.Fatalf("New(debug, %q) failed: %v", enc, err)
		}
		if !logger.Core().Enabled(zapcore.DebugLevel) {
			t.Errorf("Expected debug to be enabled for %q", enc)
		}
	}

	logger, _ := logging.New("warn", "json")
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("Expected info to be disabled at warn level")
	}
}

func TestNewRejectsUnknown(t *testing.T) {
	if _, err := logging.New("verbose", "console"); err == nil {
		t.Error("Expected an error for an unknown level")
	}
	if _, err := logging.New("info", "xml"); err == nil {
		t.Error("Expected an error for an unknown encoding")
	}
}
