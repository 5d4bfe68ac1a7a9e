package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/ahagelberg/Terminalis-sub001/internal/config"
	applog "github.com/ahagelberg/Terminalis-sub001/internal/log"
	"github.com/ahagelberg/Terminalis-sub001/internal/store"
	"github.com/ahagelberg/Terminalis-sub001/internal/trust"
)

type commandDeps struct {
	out        io.Writer
	configPath *string
}

// runtime bundles the shared collaborators a command needs: loaded
// config, logger, session registry, and the trust store.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	sessions *store.Store
	trust    *trust.KnownHostsManager
}

func (deps *commandDeps) loadRuntime() (*runtime, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigPath: *deps.configPath})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := applog.NewLogger(applog.Options{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	sessions, err := store.Open(cfg.Sessions.DatabaseFile)
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
		trust:    trust.NewKnownHostsManager(cfg.Trust.KnownHostsFile),
	}, nil
}

func (r *runtime) close() {
	if r.sessions != nil {
		_ = r.sessions.Close()
	}
}
