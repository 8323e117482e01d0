package labagent

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const hostIDFile = "host_id"

var (
	hostUUIDOnce sync.Once
	hostUUID     string
)

// HostUUID identifies the agent host in device reports. It prefers the
// hardware id and otherwise falls back to a random id persisted under
// ~/.labagent, so the provider stays stable across restarts.
func HostUUID() string {
	hostUUIDOnce.Do(func() {
		hostUUID = hardwareUUID()
		if hostUUID != "" {
			return
		}
		home, err := os.UserHomeDir()
		if err != nil {
			log.Warn().Err(err).Msg("locate home for host id failed")
			hostUUID = uuid.NewString()
			return
		}
		hostUUID = persistedHostID(filepath.Join(home, ".labagent"))
	})
	return hostUUID
}

func hardwareUUID() string {
	switch runtime.GOOS {
	case "darwin":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		out, err := exec.CommandContext(ctx, "ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
		if err != nil {
			return ""
		}
		return parseIOPlatformUUID(string(out))
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/sys/class/dmi/id/product_uuid"} {
			if data, err := os.ReadFile(path); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					return id
				}
			}
		}
	}
	return ""
}

// parseIOPlatformUUID extracts `"IOPlatformUUID" = "..."` from ioreg output.
func parseIOPlatformUUID(out string) string {
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.Trim(strings.TrimSpace(key), `"`) != "IOPlatformUUID" {
			continue
		}
		return strings.Trim(strings.TrimSpace(value), `"`)
	}
	return ""
}

// persistedHostID reads dir/host_id, creating it with a new random id on
// first use. A write failure still yields an id for this process.
func persistedHostID(dir string) string {
	path := filepath.Join(dir, hostIDFile)
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	id := uuid.NewString()
	if err := os.MkdirAll(dir, 0o755); err == nil {
		err = os.WriteFile(path, []byte(id+"\n"), 0o644)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("persist host id failed")
		}
	}
	return id
}
