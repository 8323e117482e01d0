package appium

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	labagent "github.com/httprunner/LabAgent"
)

// CapabilitiesFunc builds the capabilities for a device session.
type CapabilitiesFunc func(dev labagent.Device) map[string]any

// AndroidCapabilities targets UiAutomator2.
func AndroidCapabilities(dev labagent.Device) map[string]any {
	return map[string]any{
		"platformName":             "Android",
		"appium:automationName":    "UiAutomator2",
		"appium:udid":              dev.Serial,
		"appium:deviceName":        dev.DisplayName(),
		"appium:noReset":           true,
		"appium:newCommandTimeout": 300,
	}
}

// IOSCapabilities targets XCUITest.
func IOSCapabilities(dev labagent.Device) map[string]any {
	return map[string]any{
		"platformName":             "iOS",
		"appium:automationName":    "XCUITest",
		"appium:udid":              dev.Serial,
		"appium:deviceName":        dev.DisplayName(),
		"appium:noReset":           true,
		"appium:newCommandTimeout": 300,
	}
}

// Pool keeps at most one session per device serial.
type Pool struct {
	client *Client
	caps   CapabilitiesFunc

	mu       sync.Mutex
	sessions map[string]*Session
	group    singleflight.Group
}

func NewPool(client *Client, caps CapabilitiesFunc) *Pool {
	return &Pool{client: client, caps: caps, sessions: make(map[string]*Session)}
}

// Get returns the live session of serial, if any.
func (p *Pool) Get(serial string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[serial]
	return s, ok
}

// Acquire returns the device's session, creating it on first use.
// Concurrent callers for one serial share a single creation.
func (p *Pool) Acquire(ctx context.Context, dev labagent.Device) (*Session, error) {
	if s, ok := p.Get(dev.Serial); ok {
		return s, nil
	}
	v, err, _ := p.group.Do(dev.Serial, func() (any, error) {
		if s, ok := p.Get(dev.Serial); ok {
			return s, nil
		}
		s, err := p.client.CreateSession(ctx, dev.Serial, p.caps(dev))
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.sessions[dev.Serial] = s
		p.mu.Unlock()
		labagent.LoggerFrom(ctx, nil).Info().Str("serial", dev.Serial).Str("session", s.ID()).Msg("driver session created")
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Release deletes the device's session. Releasing an absent session is a
// no-op; server-side delete failures are only logged.
func (p *Pool) Release(ctx context.Context, serial string) error {
	p.mu.Lock()
	s, ok := p.sessions[serial]
	delete(p.sessions, serial)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	logger := labagent.LoggerFrom(ctx, nil)
	if err := s.Delete(ctx); err != nil {
		logger.Warn().Err(err).Str("serial", serial).Str("session", s.ID()).Msg("delete driver session failed")
		return nil
	}
	logger.Info().Str("serial", serial).Str("session", s.ID()).Msg("driver session released")
	return nil
}

// Close releases every session.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	serials := make([]string, 0, len(p.sessions))
	for serial := range p.sessions {
		serials = append(serials, serial)
	}
	p.mu.Unlock()
	for _, serial := range serials {
		_ = p.Release(ctx, serial)
	}
}
