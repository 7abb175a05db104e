// Package ffmpeg locates and drives the external ffmpeg/ffprobe binaries.
package ffmpeg

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Environment variables that override binary discovery.
const (
	EnvFFmpegBinary  = "MEDIARR_FFMPEG_BINARY"
	EnvFFprobeBinary = "MEDIARR_FFPROBE_BINARY"
)

// FindBinary searches for an executable binary by name.
// Search order:
//  1. configured path (if non-empty)
//  2. environment variable (if envVar is set)
//  3. ./name
//  4. name on PATH
func FindBinary(configured, name, envVar string) (string, error) {
	if configured != "" {
		if isExecutable(configured) {
			return configured, nil
		}
		return "", fmt.Errorf("configured %s binary %q is not executable", name, configured)
	}

	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" && isExecutable(envPath) {
			return envPath, nil
		}
	}

	if local := filepath.Join(".", name); isExecutable(local) {
		return local, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("binary %s not found", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
