package labagent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Screenshotter captures a device screenshot and returns the local file path.
type Screenshotter interface {
	Screenshot(ctx context.Context, dev Device) (string, error)
}

// CaptureOptions tunes the capture scheduler.
type CaptureOptions struct {
	// Workers bounds concurrent captures. Defaults to 2.
	Workers int
	// QueueSize buffers captures whose delay elapsed. Defaults to 64.
	QueueSize int
	// MinInterval throttles captures per device; zero disables throttling.
	MinInterval time.Duration
	Logger      *zerolog.Logger
}

// CaptureScheduler runs delayed one-shot screenshot captures on a bounded
// worker pool. Scheduling never blocks the caller, scheduled captures cannot
// be cancelled, and failures are logged on the worker and never reach the
// requester: the callback simply does not fire.
type CaptureScheduler struct {
	shooter Screenshotter
	opts    CaptureOptions
	logger  zerolog.Logger

	queue   chan captureRequest
	group   errgroup.Group
	pending sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	limiters map[string]*rate.Limiter
}

type captureRequest struct {
	ctx      context.Context
	dev      Device
	callback FileAvailableCallback
}

// NewCaptureScheduler starts the worker pool.
func NewCaptureScheduler(shooter Screenshotter, opts CaptureOptions) *CaptureScheduler {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	s := &CaptureScheduler{
		shooter:  shooter,
		opts:     opts,
		logger:   logger,
		queue:    make(chan captureRequest, opts.QueueSize),
		limiters: make(map[string]*rate.Limiter),
	}
	for i := 0; i < opts.Workers; i++ {
		s.group.Go(func() error {
			for req := range s.queue {
				s.execute(req)
				s.pending.Done()
			}
			return nil
		})
	}
	return s
}

// ScheduleDelayed captures dev after delay and hands the file to callback.
// ctx only carries values such as the per-device logger; its cancellation is
// ignored. It returns false when the scheduler is closed.
func (s *CaptureScheduler) ScheduleDelayed(ctx context.Context, dev Device, delay time.Duration, callback FileAvailableCallback) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	req := captureRequest{
		ctx:      context.WithoutCancel(ctx),
		dev:      dev,
		callback: callback,
	}
	s.pending.Add(1)
	if delay <= 0 {
		go s.enqueue(req)
		return true
	}
	time.AfterFunc(delay, func() { s.enqueue(req) })
	return true
}

// enqueue runs on a timer or helper goroutine, so waiting for queue space
// never blocks the requester. The queue stays open until pending drains.
func (s *CaptureScheduler) enqueue(req captureRequest) {
	s.queue <- req
}

func (s *CaptureScheduler) execute(req captureRequest) {
	logger := LoggerFrom(req.ctx, &s.logger)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("serial", req.dev.Serial).
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("capture screenshot async panicked")
		}
	}()

	if limiter := s.limiter(req.dev.Serial); limiter != nil {
		if err := limiter.Wait(req.ctx); err != nil {
			logger.Error().Err(err).Str("serial", req.dev.Serial).Msg("capture throttle wait failed")
			return
		}
	}

	path, err := s.shooter.Screenshot(req.ctx, req.dev)
	if err != nil {
		if IsKind(err, KindTransportTimeout) {
			logger.Error().Str("serial", req.dev.Serial).Str("kind", KindOf(err).String()).
				Msgf("%s, capture screenshot async", err.Error())
			return
		}
		logger.Error().Stack().Err(err).Str("serial", req.dev.Serial).Msg("capture screenshot async failed")
		return
	}
	if req.callback != nil {
		req.callback(path)
	}
}

func (s *CaptureScheduler) limiter(serial string) *rate.Limiter {
	if s.opts.MinInterval <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[serial]
	if !ok {
		l = rate.NewLimiter(rate.Every(s.opts.MinInterval), 1)
		s.limiters[serial] = l
	}
	return l
}

// Close stops accepting requests, waits for every scheduled capture to run
// and shuts the workers down.
func (s *CaptureScheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.pending.Wait()
	close(s.queue)
	return s.group.Wait()
}
