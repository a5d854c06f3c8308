package appdirs

import (
	"os"
	"testing"
)

func TestDataDirOverride(t *testing.T) {
	os.Setenv("GRIDPILOT_DATA_DIR", "/tmp/gridpilot-test")
	defer os.Unsetenv("GRIDPILOT_DATA_DIR")
	path, err := DataDir()
	if err != nil {
		t.Fatalf("data dir: %v", err)
	}
	if path != "/tmp/gridpilot-test" {
		t.Fatalf("expected override path, got %s", path)
	}
}
