// Package app wires the session engine, history store and web server into
// one process.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/teslashibe/go-livevoice/internal/config"
	"github.com/teslashibe/go-livevoice/pkg/history"
	"github.com/teslashibe/go-livevoice/pkg/session"
	"github.com/teslashibe/go-livevoice/pkg/transport"
	"github.com/teslashibe/go-livevoice/pkg/web"
)

// Option configures an App.
type Option func(*options)

type options struct {
	sessionOpts []session.Option
	logger      *slog.Logger
}

// WithSessionOptions passes extra options to the session engine.
func WithSessionOptions(opts ...session.Option) Option {
	return func(o *options) { o.sessionOpts = append(o.sessionOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// App is a running go-livevoice process.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	engine   *session.Engine
	history  history.Store
	server   *web.Server

	unsubscribe func()
}

// New builds the process from cfg.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	dialer := transport.NewGeminiDialer(logger)
	if cfg.Transport.Endpoint != "" {
		dialer.Endpoint = cfg.Transport.Endpoint
	}
	if cfg.Transport.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = cfg.Transport.HandshakeTimeout
	}

	sessionOpts := append([]session.Option{
		session.WithDialer(dialer),
		session.WithRegisterer(registry),
		session.WithLogger(logger),
	}, o.sessionOpts...)

	engine, err := session.New(cfg.Session, sessionOpts...)
	if err != nil {
		return nil, fmt.Errorf("session engine: %w", err)
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		engine:   engine,
	}

	webOpts := []web.Option{web.WithGatherer(registry), web.WithLogger(logger)}
	if cfg.History.Path != "" {
		store, err := history.NewJSONStore(cfg.History.Path, history.DefaultMaxRecords)
		if err != nil {
			engine.Close()
			return nil, fmt.Errorf("history: %w", err)
		}
		a.history = store
		webOpts = append(webOpts, web.WithHistory(store))
		a.unsubscribe = engine.OnUpdate(a.archive)
	}

	a.server = web.NewServer(cfg.Web.Addr, engine, webOpts...)
	return a, nil
}

// Engine returns the session engine.
func (a *App) Engine() *session.Engine {
	return a.engine
}

// History returns the history store, or nil when disabled.
func (a *App) History() history.Store {
	return a.history
}

// Server returns the web server.
func (a *App) Server() *web.Server {
	return a.server
}

// Run serves HTTP until ctx is done.
func (a *App) Run(ctx context.Context) error {
	return a.server.Run(ctx)
}

// Close ends any session and stops the engine. The final session is
// archived before Close returns.
func (a *App) Close() error {
	err := a.engine.Close()
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	return err
}

// archive stores each finished session from the snapshot on its terminal
// update. The engine may already be running the next session.
func (a *App) archive(u session.Update) {
	if u.Kind != session.UpdateState || u.Session == nil {
		return
	}
	sum := u.Session
	if sum.StartedAt.IsZero() {
		// Never became active.
		return
	}

	rec := &history.Record{
		StartedAt:  sum.StartedAt,
		EndedAt:    sum.EndedAt,
		Outcome:    "ended",
		Voice:      string(sum.Voice),
		Transcript: sum.Transcript,
	}
	if u.State == session.StateError {
		rec.Outcome = "error"
		if u.Err != nil {
			rec.Error = u.Err.Error()
		}
	}
	if sum.Recording != nil {
		rec.RecordingBytes = sum.Recording.Size()
	}

	if err := a.history.Save(rec); err != nil {
		a.logger.Warn("history save failed", "error", err)
		return
	}
	a.logger.Info("session archived", "id", rec.ID, "epoch", sum.Epoch, "outcome", rec.Outcome, "items", len(rec.Transcript))
}
