// livevoice - real-time spoken conversation with Gemini Live.
// Serves the session controls, exports and event stream over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-livevoice/internal/app"
	"github.com/teslashibe/go-livevoice/internal/config"
	"github.com/teslashibe/go-livevoice/internal/log"
	"github.com/teslashibe/go-livevoice/pkg/audioio"
	"github.com/teslashibe/go-livevoice/pkg/credentials"
	"github.com/teslashibe/go-livevoice/pkg/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "livevoice: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to YAML config file")
	envFile := flag.String("env", ".env", "Path to .env file")
	voice := flag.String("voice", "", "Voice: Puck, Charon, Kore, Fenrir or Aoede")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	backend := flag.String("backend", "", "Audio backend: auto, portaudio, mock")
	connect := flag.Bool("connect", false, "Start a session immediately")
	validateKey := flag.Bool("validate-key", false, "Check the API key and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		return err
	}
	if *voice != "" {
		v, err := session.ParseVoice(*voice)
		if err != nil {
			return err
		}
		cfg.Session.Voice = v
	}
	if *addr != "" {
		cfg.Web.Addr = *addr
	}
	if *backend != "" {
		cfg.Session.Microphone.Backend = audioio.Backend(*backend)
		cfg.Session.Speaker.Backend = audioio.Backend(*backend)
	}
	if *debug {
		cfg.Log.Level = "debug"
	}

	logger := log.Init(cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *validateKey {
		res, err := credentials.Validate(ctx, cfg.Session.APIKey)
		if err != nil {
			return err
		}
		fmt.Printf("API key OK (%s)\n", res.Model)
		return nil
	}

	a, err := app.New(cfg, app.WithLogger(logger))
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("livevoice starting",
		"addr", cfg.Web.Addr,
		"voice", cfg.Session.Voice,
		"model", cfg.Session.Model,
		"history", cfg.History.Path,
	)

	if *connect {
		// The flag is the user action.
		go func() {
			err := a.Engine().Connect(ctx, session.ConnectRequest{UserInitiated: true})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("connect failed", "error", err)
			}
		}()
	}

	err = a.Run(ctx)

	if a.Engine().State() == session.StateActive {
		if derr := a.Engine().Disconnect(); derr != nil {
			logger.Warn("disconnect failed", "error", derr)
		}
	}
	if *connect {
		if md := a.Engine().Markdown(); md != "" {
			fmt.Print(md)
		}
	}
	return err
}
