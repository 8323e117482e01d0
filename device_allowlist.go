package labagent

import (
	"context"
	"strings"
)

// AllowlistSelector restricts the candidates seen by Inner to allowed serials.
// An empty allowlist lets every device through.
type AllowlistSelector struct {
	Inner   DeviceSelector
	allowed map[string]struct{}
}

// NewAllowlistSelector wraps inner with the given serials, typically the
// DEVICE_ALLOWLIST setting. Blank and repeated serials are ignored.
func NewAllowlistSelector(inner DeviceSelector, serials []string) *AllowlistSelector {
	return &AllowlistSelector{Inner: inner, allowed: buildDeviceAllowlistSet(serials)}
}

func (s *AllowlistSelector) Choose(ctx context.Context, reachable []Device, task *Task) ([]Device, error) {
	if s.Inner == nil {
		return nil, ContractViolation("choose devices", "allowlist selector has no inner selector")
	}
	if len(s.allowed) == 0 {
		return s.Inner.Choose(ctx, reachable, task)
	}
	filtered := make([]Device, 0, len(reachable))
	for _, dev := range reachable {
		if _, ok := s.allowed[dev.Serial]; ok {
			filtered = append(filtered, dev)
		}
	}
	return s.Inner.Choose(ctx, filtered, task)
}

func normalizeDeviceAllowlist(serials []string) []string {
	if len(serials) == 0 {
		return nil
	}
	out := make([]string, 0, len(serials))
	seen := make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		trimmed := strings.TrimSpace(serial)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func buildDeviceAllowlistSet(serials []string) map[string]struct{} {
	serials = normalizeDeviceAllowlist(serials)
	if len(serials) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		set[serial] = struct{}{}
	}
	return set
}
