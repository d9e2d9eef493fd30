package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chaz8081/btchat/internal/btconn"
	"github.com/chaz8081/btchat/internal/btconn/tinyble"
	"github.com/chaz8081/btchat/internal/config"
	"github.com/chaz8081/btchat/internal/console"
	"github.com/chaz8081/btchat/internal/feed"
	"github.com/chaz8081/btchat/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string, log *zap.Logger) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Debug("config loaded", zap.String("path", defaultPath))
		return cfg, nil
	}

	log.Debug("no config file found, using defaults")
	return config.Default(), nil
}

// setup loads and validates the config and builds the logger it asks for.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig(configPath, zap.NewNop())
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, logging.New(config.ParseLogLevel(cfg.LogLevel)), nil
}

// radioHandle is an open backend and its release function.
type radioHandle struct {
	btconn.Radio
	close func() error
}

func (h radioHandle) Close() error {
	if h.close == nil {
		return nil
	}
	return h.close()
}

func openRadio(cfg *config.Config, log *zap.Logger) (radioHandle, error) {
	switch cfg.Adapter.Backend {
	case config.BackendBLE:
		r := tinyble.New(tinyble.NewTinyGoAdapter(), tinyble.Options{
			ServiceUUID: cfg.BLE.ServiceUUID,
			RXCharUUID:  cfg.BLE.RXCharUUID,
			TXCharUUID:  cfg.BLE.TXCharUUID,
			MTU:         cfg.BLE.MTU,
			Logger:      log.Named("ble"),
		})
		return radioHandle{Radio: r}, nil
	default:
		return openBlueZ(cfg, log)
	}
}

// fanout delivers each event to several application contexts in order.
type fanout []btconn.AppContext

func (f fanout) Receive(e btconn.Event) {
	for _, app := range f {
		app.Receive(e)
	}
}

// session is one interactive run: a radio, a manager and the console
// collaborators wired to it.
type session struct {
	cfg      *config.Config
	log      *zap.Logger
	out      io.Writer
	radio    radioHandle
	prompter *console.Prompter
	feed     *feed.Feed
	mgr      *btconn.Manager
}

func newSession(cfg *config.Config, log *zap.Logger, in io.Reader, out io.Writer) (*session, error) {
	policy, err := btconn.ParsePolicy(cfg.RolePolicy)
	if err != nil {
		return nil, err
	}
	serviceID, err := uuid.Parse(cfg.Service.UUID)
	if err != nil {
		return nil, fmt.Errorf("service uuid: %w", err)
	}
	radio, err := openRadio(cfg, log)
	if err != nil {
		return nil, err
	}

	w := console.NewWriter(out)
	s := &session{
		cfg:      cfg,
		log:      log,
		out:      w,
		radio:    radio,
		prompter: console.NewPrompter(in, w),
	}
	apps := fanout{console.NewPrinter(s.out)}
	if cfg.Feed.ListenAddr != "" {
		s.feed = feed.New(func(text string) int { return s.mgr.BroadcastMessage(text) }, log.Named("feed"))
		apps = append(apps, s.feed)
	}

	s.mgr = btconn.New(radio, apps, btconn.Options{
		ServiceID:   serviceID,
		Policy:      policy,
		Permission:  console.NewConsent(s.prompter, false),
		Devices:     console.NewDevicePicker(s.prompter, s.out, time.Duration(cfg.Scan.TimeoutSeconds)*time.Second),
		Connections: console.NewConnectionPicker(s.prompter, s.out),
		Logger:      log.Named("btconn"),
	})

	if s.feed != nil {
		go func() {
			if err := s.feed.Serve(cfg.Feed.ListenAddr); err != nil {
				log.Error("feed stopped", zap.Error(err))
			}
		}()
	}
	go s.prompter.Run()
	return s, nil
}

func (s *session) discoverable() time.Duration {
	return time.Duration(s.cfg.Service.DiscoverableSeconds) * time.Second
}

// close tears the session down in reverse order of construction.
func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.mgr.Shutdown(ctx); err != nil {
		s.log.Warn("manager shutdown", zap.Error(err))
	}
	if s.feed != nil {
		if err := s.feed.Close(ctx); err != nil {
			s.log.Warn("feed shutdown", zap.Error(err))
		}
	}
	if err := s.radio.Close(); err != nil {
		s.log.Warn("radio close", zap.Error(err))
	}
	_ = s.log.Sync()
}
