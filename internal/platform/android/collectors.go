package android

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	labagent "github.com/httprunner/LabAgent"
)

// logcatCollector clears logcat on Start and dumps the package's lines on Stop.
type logcatCollector struct {
	m      *Manager
	dev    labagent.Device
	pkg    string
	result *labagent.DeviceTestTask
}

func (m *Manager) LogCollector(ctx context.Context, dev labagent.Device, pkg string, result *labagent.DeviceTestTask) labagent.LogCollector {
	return &logcatCollector{m: m, dev: dev, pkg: pkg, result: result}
}

func (c *logcatCollector) Start(ctx context.Context) error {
	_, err := c.m.shell(ctx, c.dev.Serial, "logcat", "-c")
	return err
}

func (c *logcatCollector) Stop(ctx context.Context) (string, error) {
	args := []string{"-d", "-v", "threadtime"}
	if c.pkg != "" {
		if pid, err := c.m.shell(ctx, c.dev.Serial, "pidof", c.pkg); err == nil && strings.TrimSpace(pid) != "" {
			args = append(args, "--pid="+strings.Fields(pid)[0])
		}
	}
	out, err := c.m.shell(ctx, c.dev.Serial, "logcat", args...)
	if err != nil {
		return "", err
	}
	dir := os.TempDir()
	if c.result != nil && c.result.ResultDir != "" {
		dir = c.result.ResultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create log dir")
	}
	logPath := filepath.Join(dir, "logcat.log")
	if err := os.WriteFile(logPath, []byte(out), 0o644); err != nil {
		return "", errors.Wrap(err, "write logcat")
	}
	return logPath, nil
}

const remoteRecordPath = remoteTmpDir + "/labagent-record.mp4"

// screenRecorder runs screenrecord in the background until Stop interrupts it.
type screenRecorder struct {
	m   *Manager
	dev labagent.Device
	dir string

	mu   sync.Mutex
	done chan struct{}
}

func (m *Manager) ScreenRecorder(ctx context.Context, dev labagent.Device, dir string) labagent.ScreenRecorder {
	return &screenRecorder{m: m, dev: dev, dir: dir}
}

func (r *screenRecorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return errors.New("screen recorder already started")
	}
	done := make(chan struct{})
	r.done = done
	go func() {
		defer close(done)
		// Blocks until the time limit or until Stop sends SIGINT.
		_, err := r.m.bridge.Shell(context.WithoutCancel(ctx), r.dev.Serial, "screenrecord", "--time-limit", "180", remoteRecordPath)
		if err != nil {
			r.m.Logger(ctx).Warn().Err(err).Str("serial", r.dev.Serial).Msg("screenrecord exited")
		}
	}()
	return nil
}

func (r *screenRecorder) Stop(ctx context.Context) (string, error) {
	r.mu.Lock()
	done := r.done
	r.done = nil
	r.mu.Unlock()
	if done == nil {
		return "", errors.New("screen recorder not started")
	}
	if _, err := r.m.shell(ctx, r.dev.Serial, "pkill", "-INT", "screenrecord"); err != nil {
		r.m.Logger(ctx).Warn().Err(err).Str("serial", r.dev.Serial).Msg("interrupt screenrecord failed")
	}
	select {
	case <-done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create video dir")
	}
	local := filepath.Join(r.dir, path.Base(remoteRecordPath))
	err := r.m.RunNative(ctx, "pull recording", r.dev.Serial, func(ctx context.Context) error {
		return r.m.bridge.Pull(ctx, r.dev.Serial, remoteRecordPath, local)
	})
	if err != nil {
		return "", err
	}
	_ = r.m.RemoveFile(ctx, r.dev, remoteRecordPath)
	return local, nil
}
