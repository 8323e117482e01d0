package labagent

import (
	"path/filepath"
	"testing"
)

func TestParseIOPlatformUUID(t *testing.T) {
	out := `+-o J314sAP  <class IOPlatformExpertDevice, id 0x100000220, registered, matched, active, busy 0 (0 ms), retain 27>
    {
      "IOPlatformSerialNumber" = "C02XXXXX"
      "IOPlatformUUID" = "8C6E1A5B-1D2C-4E3F-9A8B-7C6D5E4F3A2B"
    }`
	if got := parseIOPlatformUUID(out); got != "8C6E1A5B-1D2C-4E3F-9A8B-7C6D5E4F3A2B" {
		t.Fatalf("unexpected uuid %q", got)
	}
	if got := parseIOPlatformUUID("no platform device"); got != "" {
		t.Fatalf("expected empty uuid, got %q", got)
	}
}

func TestPersistedHostIDIsStable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".labagent")
	first := persistedHostID(dir)
	if first == "" {
		t.Fatalf("expected a generated host id")
	}
	if again := persistedHostID(dir); again != first {
		t.Fatalf("host id changed across calls: %q then %q", first, again)
	}
}
