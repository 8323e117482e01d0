package labagent

import (
	"context"
	"math/rand/v2"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// MonkeyHost is the slice of DeviceManager the monkey loop drives.
type MonkeyHost interface {
	AcquireDriverSession(ctx context.Context, dev Device) (DriverSession, error)
	ReleaseDriverSession(ctx context.Context, dev Device) error
	BackToHome(ctx context.Context, dev Device) error
	LaunchApp(ctx context.Context, dev Device, pkg string) error
	IsAppRunningForeground(ctx context.Context, dev Device, pkg string) (bool, error)
}

// MonkeyOptions tunes RunMonkey.
type MonkeyOptions struct {
	// Rand returns an index in [0, n). Defaults to math/rand/v2.
	Rand   func(n int) int
	Logger *zerolog.Logger
}

// MonkeyResult summarizes one monkey run.
type MonkeyResult struct {
	// Rounds counts the rounds started, including the one that aborted.
	Rounds     int
	Actions    int
	Recoveries int
	Aborted    bool
	Cause      error
}

// RunMonkey taps random UI elements on dev for up to rounds rounds.
//
// Each round enumerates leaf elements. When nothing is found, or pkg is set
// and not in the foreground, it goes home, relaunches pkg and falls back to
// every element. Element churn is swallowed; a session-fatal error releases
// the session and ends the run early.
func RunMonkey(ctx context.Context, host MonkeyHost, dev Device, pkg string, rounds int, opts MonkeyOptions) MonkeyResult {
	pick := opts.Rand
	if pick == nil {
		pick = rand.IntN
	}
	logger := LoggerFrom(ctx, opts.Logger).With().Str("serial", dev.Serial).Str("package", pkg).Logger()
	pkg = strings.TrimSpace(pkg)

	var result MonkeyResult
	for i := 0; i < rounds; i++ {
		result.Rounds++
		logger.Info().Int("round", i).Msg("monkey round started")

		acted, recovered, err := monkeyRound(ctx, host, dev, pkg, pick, &logger)
		if recovered {
			result.Recoveries++
		}
		if acted {
			result.Actions++
		}
		if err != nil {
			if IsKind(err, KindSessionFatal) {
				logger.Error().Err(err).Int("round", i).Msg("monkey exit with session error, quit the driver")
				if releaseErr := host.ReleaseDriverSession(ctx, dev); releaseErr != nil {
					logger.Warn().Err(releaseErr).Msg("release driver session failed")
				}
				result.Aborted = true
				result.Cause = err
				return result
			}
			logger.Warn().Err(err).Int("round", i).Str("kind", KindOf(err).String()).Msg("monkey round failed")
			continue
		}
		logger.Info().Int("round", i).Msg("monkey round done")
	}
	return result
}

func monkeyRound(ctx context.Context, host MonkeyHost, dev Device, pkg string, pick func(int) int, logger *zerolog.Logger) (acted, recovered bool, err error) {
	session, err := host.AcquireDriverSession(ctx, dev)
	if err != nil {
		return false, false, errors.Wrap(err, "acquire driver session")
	}

	elements, err := session.FindElements(ctx, QueryLeaves)
	if err != nil {
		return false, false, err
	}
	logger.Info().Int("count", len(elements)).Msg("found leaf elements")

	needRecovery := len(elements) == 0
	if !needRecovery && pkg != "" {
		foreground, ferr := host.IsAppRunningForeground(ctx, dev, pkg)
		if ferr != nil {
			if IsKind(ferr, KindSessionFatal) {
				return false, false, ferr
			}
			logger.Warn().Err(ferr).Msg("query foreground app failed")
		}
		needRecovery = !foreground
	}

	if needRecovery {
		recovered = true
		logger.Info().Msg("no element found or app in background, back to home")
		if err := host.BackToHome(ctx, dev); err != nil {
			logger.Warn().Err(err).Msg("back to home failed")
		}
		if pkg != "" {
			if err := host.LaunchApp(ctx, dev, pkg); err != nil {
				logger.Warn().Err(err).Msg("relaunch app failed")
			}
		}
		elements, err = session.FindElements(ctx, QueryAll)
		if err != nil {
			return false, recovered, err
		}
	}
	if len(elements) == 0 {
		return false, recovered, nil
	}

	idx := pick(len(elements))
	if idx < 0 || idx >= len(elements) {
		idx = 0
	}
	element := elements[idx]
	if text, terr := element.Text(ctx); terr == nil {
		logger.Info().Int("index", idx).Str("text", text).Msg("select element")
	} else if IsKind(terr, KindSessionFatal) {
		return false, recovered, terr
	}
	if err := element.Click(ctx); err != nil {
		if IsKind(err, KindElementChurn) {
			logger.Debug().Err(err).Int("index", idx).Msg("element changed before click, skip")
			return false, recovered, nil
		}
		return false, recovered, err
	}
	return true, recovered, nil
}
