package cli

import (
	"fmt"
	"log/slog"

	"github.com/libar-dev/libar-platform/internal/agent"
	"github.com/libar-dev/libar-platform/internal/config"
	"github.com/libar-dev/libar-platform/internal/events"
	"github.com/libar-dev/libar-platform/internal/platform"
	"github.com/libar-dev/libar-platform/internal/store"
)

// session is an open store, and optionally a platform wired over it.
type session struct {
	Store    *store.Store
	Platform *platform.Platform

	publisher events.Publisher
}

func (s *session) Close() {
	if s.Platform != nil {
		s.Platform.Close()
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			slog.Warn("error closing publisher", "error", err)
		}
	}
	if err := s.Store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

func (o *RootOptions) settings() *config.Config {
	if o.Config == nil {
		o.Config = config.DefaultConfig()
		if o.Database != "" {
			o.Config.Store.Path = o.Database
		}
	}
	return o.Config
}

// openStore opens the configured database.
func openStore(opts *RootOptions) (*session, error) {
	path := opts.settings().Store.Path
	slog.Debug("opening database", "path", path)
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return &session{Store: st}, nil
}

// platformOptions selects what openPlatform wires beyond the core.
type platformOptions struct {
	AgentsFile string
	// Relay connects to the configured NATS URL, if any.
	Relay bool
}

// openPlatform opens the database and wires the full platform over it.
// Subscriptions are registered but nothing runs until Run or Settle.
func openPlatform(opts *RootOptions, po platformOptions) (*session, error) {
	s, err := openStore(opts)
	if err != nil {
		return nil, err
	}
	cfg := opts.settings()

	popts := platform.Options{Config: cfg}
	if po.AgentsFile != "" {
		defs, err := agent.LoadDefinitions(po.AgentsFile, nil)
		if err != nil {
			s.Close()
			return nil, WrapExitError(ExitCommandError, "failed to load agents", err)
		}
		slog.Info("agents loaded", "file", po.AgentsFile, "count", len(defs))
		popts.Agents = defs
	}
	if po.Relay && cfg.Events.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.Events.NATSURL)
		if err != nil {
			s.Close()
			return nil, WrapExitError(ExitCommandError, "failed to connect to NATS", err)
		}
		slog.Info("event relay enabled", "url", cfg.Events.NATSURL, "prefix", cfg.Events.SubjectPrefix)
		s.publisher = pub
		popts.Publisher = pub
	}

	p, err := platform.New(s.Store, popts)
	if err != nil {
		s.Close()
		return nil, WrapExitError(ExitCommandError, "failed to wire platform", err)
	}
	s.Platform = p
	return s, nil
}

// notFound maps store.ErrNotFound to a command error.
func notFound(f *OutputFormatter, what string, err error) error {
	if store.IsNotFound(err) {
		if ferr := f.Error(CodeNotFound, fmt.Sprintf("%s not found", what), nil); ferr != nil {
			return ferr
		}
		return NewExitError(ExitCommandError, fmt.Sprintf("%s not found", what))
	}
	return WrapExitError(ExitCommandError, "failed to read "+what, err)
}
