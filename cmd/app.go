package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mikills/dagcore/dag"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const snapshotRunTimeout = 30 * time.Second

// sourceHeader is the header a load balancer uses to forward the
// consistent-hash routing key.
const sourceHeader = "X-DAG-Source"

// sourceContextKey is the echo context key for the routed source.
const sourceContextKey = "dag_source"

type AppConfig struct {
	Address           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// SnapshotInterval and SnapshotSources enable periodic backups of the
	// listed sources to Blobs.
	SnapshotInterval time.Duration
	SnapshotSources  []string
	Blobs            dag.BlobStore
	Metrics          dag.Metrics
	// Gatherer is served on /metrics when set.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		Address:           "127.0.0.1:8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		SnapshotInterval:  0,
		Logger:            slog.Default(),
	}
}

type App struct {
	store   *dag.Store
	echo    *echo.Echo
	config  AppConfig
	logger  *slog.Logger
	metrics dag.Metrics

	mu       sync.Mutex
	listener net.Listener
	errCh    chan error
	started  bool

	snapshotCancel context.CancelFunc
	snapshotDone   chan struct{}
}

func NewApp(store *dag.Store, cfg AppConfig) *App {
	cfg = mergeWithDefaultAppConfig(cfg)
	logger := cfg.Logger
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = dag.NewInMemMetrics()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLoggerMiddleware(logger, metrics))
	e.Use(sourceMiddleware())

	app := &App{
		store:   store,
		echo:    e,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		errCh:   make(chan error, 1),
	}
	app.registerRoutes()
	return app
}

// Handler exposes the router for in-process tests.
func (a *App) Handler() http.Handler {
	return a.echo
}

// sourceMiddleware copies the X-DAG-Source routing header into the echo
// context and echoes it back on the response.
func sourceMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			source := strings.TrimSpace(c.Request().Header.Get(sourceHeader))
			if source != "" {
				c.Set(sourceContextKey, source)
				c.Response().Header().Set(sourceHeader, source)
			}
			return next(c)
		}
	}
}

func mergeWithDefaultAppConfig(cfg AppConfig) AppConfig {
	d := DefaultAppConfig()
	if cfg.Address != "" {
		d.Address = cfg.Address
	}
	if cfg.ReadHeaderTimeout > 0 {
		d.ReadHeaderTimeout = cfg.ReadHeaderTimeout
	}
	if cfg.ShutdownTimeout > 0 {
		d.ShutdownTimeout = cfg.ShutdownTimeout
	}
	if cfg.SnapshotInterval > 0 {
		d.SnapshotInterval = cfg.SnapshotInterval
	}
	if cfg.Logger != nil {
		d.Logger = cfg.Logger
	}
	d.SnapshotSources = cfg.SnapshotSources
	d.Blobs = cfg.Blobs
	d.Metrics = cfg.Metrics
	d.Gatherer = cfg.Gatherer
	return d
}

func requestLoggerMiddleware(logger *slog.Logger, metrics dag.Metrics) echo.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = dag.NoopMetrics{}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			if status == 0 {
				status = http.StatusOK
			}
			latencyMS := time.Since(start).Milliseconds()
			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}
			metrics.RecordRequest(c.Request().Method, path, status, latencyMS)
			attrs := []any{
				"method", c.Request().Method,
				"path", path,
				"status", status,
				"latency_ms", latencyMS,
				"remote_ip", c.RealIP(),
			}
			if source, ok := c.Get(sourceContextKey).(string); ok {
				attrs = append(attrs, "source", source)
			}

			switch {
			case status >= http.StatusInternalServerError:
				logger.ErrorContext(c.Request().Context(), "http request", attrs...)
			case status >= http.StatusBadRequest:
				logger.WarnContext(c.Request().Context(), "http request", attrs...)
			default:
				logger.InfoContext(c.Request().Context(), "http request", attrs...)
			}
			return nil
		}
	}
}

func (a *App) registerRoutes() {
	deps := Dependencies{
		Logger:     a.logger,
		AppMetrics: a.metrics,
	}
	if a.config.Gatherer != nil {
		deps.MetricsHandler = promhttp.HandlerFor(a.config.Gatherer, promhttp.HandlerOpts{})
	}

	if s := a.store; s != nil {
		deps.InsertEdge = func(ctx context.Context, start, end int64, source string, maxHops *int) ([]dag.Edge, error) {
			if maxHops != nil {
				return s.InsertEdgeWithMaxHops(ctx, start, end, source, *maxHops)
			}
			return s.InsertEdge(ctx, start, end, source)
		}
		deps.RemoveEdge = s.RemoveEdge
		deps.Vertices = s.Vertices
		deps.Edges = func(ctx context.Context, source string, directOnly bool) ([]dag.Edge, error) {
			if directOnly {
				return s.DirectEdges(ctx, source)
			}
			return s.Edges(ctx, source)
		}
		if j := s.Journal(); j != nil {
			deps.ListJournal = j.List
		}
		if blobs := a.config.Blobs; blobs != nil {
			deps.Backup = func(ctx context.Context, source string) (*dag.BlobObjectInfo, error) {
				return s.BackupSource(ctx, source, blobs)
			}
			deps.Restore = func(ctx context.Context, source, key string) (int, error) {
				return s.RestoreSource(ctx, source, blobs, key)
			}
			deps.ListSnapshots = func(ctx context.Context, source string) ([]dag.BlobObjectInfo, error) {
				return dag.ListSnapshots(ctx, blobs, source)
			}
			deps.DeleteSnapshot = func(ctx context.Context, source, key string) error {
				return dag.DeleteSnapshot(ctx, blobs, source, key)
			}
		}
	}
	Register(a.echo, deps)
}

func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("app already started")
	}

	a.startSnapshotLoopLocked()

	ln, err := net.Listen("tcp", a.config.Address)
	if err != nil {
		a.stopSnapshotLoopLocked()
		return err
	}
	a.listener = ln
	a.started = true

	srv := &http.Server{Handler: a.echo, ReadHeaderTimeout: a.config.ReadHeaderTimeout}
	a.echo.Server = srv

	go func() {
		err := a.echo.Server.Serve(ln)
		if err == http.ErrServerClosed {
			err = nil
		}
		a.errCh <- err
	}()

	return nil
}

func (a *App) Address() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	addr := a.listener.Addr().String()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	host = strings.TrimSpace(host)
	if host == "" || host == "::" || host == "0.0.0.0" || host == "[::]" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (a *App) Wait() error {
	return <-a.errCh
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.started = false
	a.mu.Unlock()

	if !started {
		return nil
	}

	a.mu.Lock()
	a.stopSnapshotLoopLocked()
	a.mu.Unlock()

	if ctx == nil {
		c, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
		defer cancel()
		ctx = c
	}

	if err := a.echo.Shutdown(ctx); err != nil {
		return err
	}
	return nil
}

func (a *App) startSnapshotLoopLocked() {
	if a.store == nil || a.config.Blobs == nil || a.config.SnapshotInterval <= 0 || len(a.config.SnapshotSources) == 0 {
		return
	}
	if a.snapshotCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.snapshotCancel = cancel
	a.snapshotDone = done
	interval := a.config.SnapshotInterval

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.snapshotSources(ctx)
			}
		}
	}()
}

func (a *App) snapshotSources(ctx context.Context) {
	for _, source := range a.config.SnapshotSources {
		runCtx, cancel := context.WithTimeout(ctx, snapshotRunTimeout)
		if _, err := a.store.BackupSource(runCtx, source, a.config.Blobs); err != nil {
			a.logger.WarnContext(ctx, "scheduled snapshot failed", "source", source, "error", err)
		}
		cancel()
	}
}

func (a *App) stopSnapshotLoopLocked() {
	if a.snapshotCancel == nil {
		return
	}
	cancel := a.snapshotCancel
	done := a.snapshotDone
	a.snapshotCancel = nil
	a.snapshotDone = nil
	cancel()
	if done != nil {
		<-done
	}
}
