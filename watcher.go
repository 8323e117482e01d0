package labagent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// WatcherConfig controls Watcher behavior.
type WatcherConfig struct {
	PollInterval time.Duration
	AgentVersion string
	ProviderUUID string
	Recorder     DeviceRecorder
}

// Watcher polls a device manager, logs connect/disconnect transitions and
// pushes device snapshots to the recorder.
type Watcher struct {
	manager DeviceManager
	cfg     WatcherConfig

	mu   sync.Mutex
	last map[string]Device
}

// NewWatcher builds a watcher for manager.
func NewWatcher(manager DeviceManager, cfg WatcherConfig) (*Watcher, error) {
	if manager == nil {
		return nil, errors.New("device manager cannot be nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	if strings.TrimSpace(cfg.ProviderUUID) == "" {
		cfg.ProviderUUID = HostUUID()
	}
	return &Watcher{
		manager: manager,
		cfg:     cfg,
		last:    make(map[string]Device),
	}, nil
}

// Start polls until ctx is cancelled. The first cycle runs immediately.
func (w *Watcher) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}
	log.Info().Str("platform", string(w.manager.Platform())).
		Dur("interval", w.cfg.PollInterval).Msg("start device watcher")

	if err := w.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("device watcher initial cycle failed")
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("device watcher cycle failed")
			}
		}
	}
}

// RunOnce refreshes the manager once and records the resulting snapshot.
func (w *Watcher) RunOnce(ctx context.Context) error {
	if err := w.manager.Refresh(ctx); err != nil {
		return errors.Wrap(err, "refresh devices failed")
	}
	devices, err := w.manager.DeviceList(ctx)
	if err != nil {
		return errors.Wrap(err, "list devices failed")
	}

	now := time.Now()
	updates := make([]DeviceInfoUpdate, 0, len(devices))
	current := make(map[string]Device, len(devices))

	w.mu.Lock()
	for _, dev := range devices {
		current[dev.Serial] = dev
		prev, known := w.last[dev.Serial]
		switch {
		case dev.Online() && (!known || !prev.Online()):
			log.Info().Str("serial", dev.Serial).Str("name", dev.DisplayName()).Msg("device connected")
		case !dev.Online() && known && prev.Online():
			log.Warn().Str("serial", dev.Serial).Str("state", string(dev.State)).Msg("device disconnected")
		}
		if known && prev.Unstable != dev.Unstable {
			log.Warn().Str("serial", dev.Serial).Bool("unstable", dev.Unstable).Msg("device stability changed")
		}
		updates = append(updates, w.update(dev, string(dev.Display()), now))
	}
	for serial, prev := range w.last {
		if _, ok := current[serial]; ok {
			continue
		}
		log.Info().Str("serial", serial).Msg("device removed from pool")
		updates = append(updates, w.update(prev, "offline", prev.LastSeenAt))
	}
	w.last = current
	w.mu.Unlock()

	if len(updates) == 0 {
		return nil
	}
	if err := w.cfg.Recorder.UpsertDevices(ctx, updates); err != nil {
		log.Error().Err(err).Msg("device recorder upsert failed")
	}
	return nil
}

func (w *Watcher) update(dev Device, status string, seen time.Time) DeviceInfoUpdate {
	if seen.IsZero() {
		seen = time.Now()
	}
	return DeviceInfoUpdate{
		DeviceSerial: dev.Serial,
		Name:         dev.DisplayName(),
		Model:        dev.Model,
		Platform:     dev.Platform,
		Status:       status,
		OSVersion:    dev.OSVersion,
		AgentVersion: w.cfg.AgentVersion,
		ProviderUUID: w.cfg.ProviderUUID,
		RunningTask:  dev.RunningTask,
		LastSeenAt:   seen,
	}
}
