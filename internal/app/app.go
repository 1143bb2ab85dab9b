package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/idanyas/nearspeed/internal/client"
	"github.com/idanyas/nearspeed/internal/data"
	"github.com/idanyas/nearspeed/internal/latency"
	"github.com/idanyas/nearspeed/internal/location"
)

type HostSelector interface {
	Select(ctx context.Context) (string, error)
}

type LatencyProber interface {
	Probe(ctx context.Context, host string) (float64, error)
}

// Observer is notified as a run progresses. All methods are called from the
// goroutine running SpeedTest.Run.
type Observer interface {
	ServerSelected(host string)
	MeasurementStarted(mode data.Mode)
	MeasurementDone(mode data.Mode, value float64)
}

type Config struct {
	// Server pins the test host and skips selection.
	Server    string
	Runs      int
	Directory string
	Provider  *client.Provider
	Observer  Observer
	Logger    *zap.Logger
}

// SpeedTest drives selection and measurements for one session. The host is
// resolved on first use and never changes afterwards.
type SpeedTest struct {
	Selector HostSelector
	Prober   LatencyProber
	Engine   *Engine
	Observer Observer

	mu     sync.Mutex
	host   string
	logger *zap.Logger
}

// New wires a session from cfg. The provider is copied so its log lines carry
// the session id without touching the caller's value.
func New(cfg Config) *SpeedTest {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session", uuid.NewString()))

	var provider client.Provider
	if cfg.Provider != nil {
		provider = *cfg.Provider
	}
	provider.Logger = logger

	prober := &latency.Prober{Opener: &provider, Logger: logger}
	return &SpeedTest{
		Selector: &location.Selector{
			Opener:    &provider,
			Prober:    prober,
			Directory: cfg.Directory,
			Logger:    logger,
		},
		Prober: prober,
		Engine: &Engine{
			Opener: &provider,
			Runs:   cfg.Runs,
			Logger: logger,
		},
		Observer: cfg.Observer,
		host:     cfg.Server,
		logger:   logger,
	}
}

// Host returns the test host, running selection if none was pinned.
func (s *SpeedTest) Host(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.host != "" {
		return s.host, nil
	}
	host, err := s.Selector.Select(ctx)
	if err != nil {
		return "", fmt.Errorf("select server: %w", err)
	}
	s.host = host
	return host, nil
}

// Ping probes the test host.
func (s *SpeedTest) Ping(ctx context.Context) (float64, error) {
	host, err := s.Host(ctx)
	if err != nil {
		return 0, err
	}
	return s.Prober.Probe(ctx, host)
}

// Download measures download speed from the test host in bits per second.
func (s *SpeedTest) Download(ctx context.Context) (float64, error) {
	host, err := s.Host(ctx)
	if err != nil {
		return 0, err
	}
	return s.Engine.Download(ctx, host)
}

// Upload measures upload speed to the test host in bits per second.
func (s *SpeedTest) Upload(ctx context.Context) (float64, error) {
	host, err := s.Host(ctx)
	if err != nil {
		return 0, err
	}
	return s.Engine.Upload(ctx, host)
}

// Run performs the measurements selected by mode, in the order ping,
// download, upload, and returns the collected record.
func (s *SpeedTest) Run(ctx context.Context, mode data.Mode) (*data.StatsRecord, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid mode %d (must be 1-7)", mode)
	}

	host, err := s.Host(ctx)
	if err != nil {
		return nil, err
	}
	if s.Observer != nil {
		s.Observer.ServerSelected(host)
	}

	rec := &data.StatsRecord{Server: host}
	steps := []struct {
		mode  data.Mode
		run   func(context.Context) (float64, error)
		field **float64
	}{
		{data.ModePing, s.Ping, &rec.Ping},
		{data.ModeDownload, s.Download, &rec.Download},
		{data.ModeUpload, s.Upload, &rec.Upload},
	}
	for _, step := range steps {
		if !mode.Has(step.mode) {
			continue
		}
		if s.Observer != nil {
			s.Observer.MeasurementStarted(step.mode)
		}
		start := time.Now()
		value, err := step.run(ctx)
		if err != nil {
			return nil, err
		}
		*step.field = &value
		s.logger.Debug("measurement done", zap.Stringer("mode", step.mode), zap.Float64("value", value),
			zap.Duration("took", time.Since(start)))
		if s.Observer != nil {
			s.Observer.MeasurementDone(step.mode, value)
		}
	}
	return rec, nil
}
