package main

import (
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	labagent "github.com/httprunner/LabAgent"
)

// resultDir picks the --result-dir flag over the configured test base dir.
func resultDir(flag, testBaseDir string) string {
	if dir := strings.TrimSpace(flag); dir != "" {
		return filepath.Clean(dir)
	}
	return strings.TrimSpace(testBaseDir)
}

// logRunResults prints one line per device, with the published log URL when
// the log was uploaded.
func logRunResults(run *labagent.TaskRun) {
	if run == nil {
		return
	}
	for _, res := range run.Results() {
		event := log.Info().
			Str("task_id", res.TaskID).
			Str("serial", res.DeviceSerial).
			Str("device", res.DeviceName).
			Str("status", res.Status).
			Int("screenshots", len(res.ScreenshotPaths())).
			Str("log", res.LogPath)
		if url, ok := res.ArtifactURL(res.LogPath); ok {
			event = event.Str("log_url", url)
		}
		event.Msg("device result")
	}
}
