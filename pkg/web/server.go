// Package web serves the session controls, exports and live event stream
// over HTTP.
package web

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/go-livevoice/pkg/credentials"
	"github.com/teslashibe/go-livevoice/pkg/history"
	"github.com/teslashibe/go-livevoice/pkg/hub"
	"github.com/teslashibe/go-livevoice/pkg/protocol"
	"github.com/teslashibe/go-livevoice/pkg/recorder"
	"github.com/teslashibe/go-livevoice/pkg/session"
	"github.com/teslashibe/go-livevoice/pkg/transcript"
)

// Engine is the session surface the server drives.
type Engine interface {
	Connect(ctx context.Context, req session.ConnectRequest) error
	Disconnect() error
	Clear() error
	Status() session.Status
	Transcripts() []transcript.Item
	Markdown() string
	Recording() *recorder.Blob
	OnUpdate(fn func(session.Update)) (unsubscribe func())
}

// KeyValidator checks an API key.
type KeyValidator func(ctx context.Context, key string) (*credentials.Result, error)

// Option configures a Server.
type Option func(*Server)

// WithHistory enables the history routes.
func WithHistory(store history.Store) Option {
	return func(s *Server) { s.history = store }
}

// WithValidator replaces the API key check.
func WithValidator(fn KeyValidator) Option {
	return func(s *Server) { s.validate = fn }
}

// WithGatherer serves metrics from g. Default: prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 5 * time.Second

// Server is the HTTP control surface.
type Server struct {
	app    *fiber.App
	addr   string
	engine Engine

	history  history.Store
	validate KeyValidator
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	// Hub for websocket broadcast
	events *hub.Hub
}

// NewServer creates a server for engine listening on addr.
func NewServer(addr string, engine Engine, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		engine:   engine,
		validate: credentials.Validate,
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "web")
	s.events = hub.New("events", s.logger)
	s.events.OnConnect(s.snapshot)

	app := fiber.New(fiber.Config{
		AppName:               "go-livevoice",
		DisableStartupMessage: true,
	})

	// CORS for local development
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/transcript", s.handleTranscript)
	api.Get("/transcript.md", s.handleTranscriptMarkdown)
	api.Get("/recording", s.handleRecording)
	api.Post("/session/connect", s.handleConnect)
	api.Post("/session/disconnect", s.handleDisconnect)
	api.Post("/session/clear", s.handleClear)
	api.Get("/history", s.handleListHistory)
	api.Get("/history/:id", s.handleGetHistory)
	api.Delete("/history/:id", s.handleDeleteHistory)
	api.Post("/credentials/validate", s.handleValidateKey)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	s.app = app
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Hub returns the event hub.
func (s *Server) Hub() *hub.Hub {
	return s.events
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hubCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.events.Run(hubCtx)

	unsubscribe := s.engine.OnUpdate(s.forward)
	defer unsubscribe()

	s.logger.Info("listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listener(ln) }()

	select {
	case <-ctx.Done():
		cancel()
		err := s.app.ShutdownWithTimeout(ShutdownTimeout)
		<-errCh
		return err
	case err := <-errCh:
		return err
	}
}

// forward relays engine updates to websocket clients.
func (s *Server) forward(u session.Update) {
	msgs, err := protocol.FromUpdate(u, s.engine.Status())
	if err != nil {
		s.logger.Warn("encode update failed", "kind", u.Kind, "error", err)
		return
	}
	for _, m := range msgs {
		if err := s.events.BroadcastProtocol(m); err != nil {
			s.logger.Warn("broadcast failed", "type", m.Type, "error", err)
		}
	}
}

// snapshot is what a new websocket client receives first.
func (s *Server) snapshot() []hub.Message {
	var out []hub.Message
	build := []func() (*protocol.Message, error){
		func() (*protocol.Message, error) { return protocol.NewStateMessage(s.engine.Status()) },
		func() (*protocol.Message, error) { return protocol.NewTranscriptMessage(s.engine.Transcripts()) },
	}
	for _, fn := range build {
		m, err := fn()
		if err != nil {
			continue
		}
		if msg, err := hub.FromProtocol(m); err == nil {
			out = append(out, msg)
		}
	}
	return out
}
