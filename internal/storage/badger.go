package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
)

// Engine owns the Badger instance behind every database of the node.
type Engine struct {
	db     *badger.DB
	cfg    Config
	logger *slog.Logger

	lastGC     atomic.Int64 // Unix milliseconds
	gcRewrites atomic.Uint64

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// Stats describes the on-disk size of the engine.
type Stats struct {
	LSMSize      int64
	ValueLogSize int64
	LastGC       time.Time
	GCRewrites   uint64
}

// Open opens or creates the Badger database and starts the value log GC.
func Open(cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Dir == "" && !cfg.InMemory {
		return nil, domain.ErrInvalidArgument.WithDetails("database dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "database")

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = &badgerLogger{logger: logger}
	if cfg.CacheSize > 0 {
		opts.BlockCacheSize = cfg.CacheSize
	}
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	if cfg.NumMemtables > 0 {
		opts.NumMemtables = cfg.NumMemtables
	}
	opts.SyncWrites = cfg.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, domain.ErrStorage.WithDetails("open badger").WithCause(err)
	}

	e := &Engine{
		db:     db,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go e.gcLoop()

	logger.Info("database engine started",
		"dir", cfg.Dir,
		"in_memory", cfg.InMemory,
		"gc_interval", cfg.GCInterval)
	return e, nil
}

// GC runs the value log GC until nothing is left to rewrite and returns the
// number of rewritten log files.
func (e *Engine) GC(ctx context.Context) (int, error) {
	if e.cfg.InMemory {
		return 0, nil
	}
	start := time.Now()

	rewrites := 0
	for ctx.Err() == nil {
		err := e.db.RunValueLogGC(e.cfg.GCThreshold)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			break
		}
		if err != nil {
			return rewrites, fmt.Errorf("value log gc: %w", err)
		}
		rewrites++
	}

	e.lastGC.Store(time.Now().UnixMilli())
	e.gcRewrites.Add(uint64(rewrites))
	e.logger.Debug("value log gc completed",
		"rewrites", rewrites,
		"elapsed", time.Since(start))
	return rewrites, ctx.Err()
}

// Stats returns the current sizes and GC counters.
func (e *Engine) Stats() Stats {
	lsm, vlog := e.db.Size()
	s := Stats{
		LSMSize:      lsm,
		ValueLogSize: vlog,
		GCRewrites:   e.gcRewrites.Load(),
	}
	if ms := e.lastGC.Load(); ms > 0 {
		s.LastGC = time.UnixMilli(ms)
	}
	return s
}

// RegisterMetrics exposes the engine sizes and GC counters on reg. The
// values are read on every scrape.
func (e *Engine) RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "cloudnet",
			Subsystem: "database",
			Name:      "lsm_size_bytes",
			Help:      "Badger LSM tree size in bytes",
		}, func() float64 { return float64(e.Stats().LSMSize) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "cloudnet",
			Subsystem: "database",
			Name:      "value_log_size_bytes",
			Help:      "Badger value log size in bytes",
		}, func() float64 { return float64(e.Stats().ValueLogSize) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "cloudnet",
			Subsystem: "database",
			Name:      "last_gc_timestamp_seconds",
			Help:      "Unix timestamp of the last value log GC run",
		}, func() float64 { return float64(e.lastGC.Load()) / 1000.0 }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "cloudnet",
			Subsystem: "database",
			Name:      "gc_rewrites_total",
			Help:      "Value log files rewritten by garbage collection",
		}, func() float64 { return float64(e.gcRewrites.Load()) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register database metrics: %w", err)
		}
	}
	return nil
}

// Close stops the GC loop and closes Badger. Safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.stopCh)
		<-e.doneCh
		if cerr := e.db.Close(); cerr != nil {
			err = domain.ErrStorage.WithDetails("close badger").WithCause(cerr)
		}
		e.logger.Info("database engine closed")
	})
	return err
}

func (e *Engine) gcLoop() {
	defer close(e.doneCh)
	if e.cfg.GCInterval <= 0 || e.cfg.InMemory {
		<-e.stopCh
		return
	}

	ticker := time.NewTicker(e.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if _, err := e.GC(ctx); err != nil {
				e.logger.Error("value log gc failed", "error", err)
			}
			cancel()
		case <-e.stopCh:
			return
		}
	}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
