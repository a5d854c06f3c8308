package appdirs

import (
	"os"
	"path/filepath"
)

const (
	appDirName = "gridpilot"
)

func DataDir() (string, error) {
	if override := os.Getenv("GRIDPILOT_DATA_DIR"); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appDirName), nil
}
