package conn

import (
	"fmt"
	"log/slog"

	"github.com/ahagelberg/Terminalis-sub001/internal/session"
	"github.com/ahagelberg/Terminalis-sub001/internal/trust"
)

// Factory validates session configurations and constructs connection
// implementations, resolving gateway references through the external
// session registry.
type Factory struct {
	store  *trust.KnownHostsManager
	lookup session.Lookup
	prompt HostKeyPrompt
	logger *slog.Logger
}

// FactoryOptions configures a Factory. Store is required; Lookup is
// only needed when sessions reference gateways; a nil Prompt means
// unknown and changed host keys are rejected.
type FactoryOptions struct {
	Store  *trust.KnownHostsManager
	Lookup session.Lookup
	Prompt HostKeyPrompt
	Logger *slog.Logger
}

func NewFactory(opts FactoryOptions) (*Factory, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("conn: factory requires a trust store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		store:  opts.Store,
		lookup: opts.Lookup,
		prompt: opts.Prompt,
		logger: logger,
	}, nil
}

// New validates cfg, resolves its gateway reference if present, and
// returns a connection ready for Connect. Validation failures are
// categorized so callers can present them uniformly.
func (f *Factory) New(cfg *session.Config) (TerminalConnection, error) {
	if cfg == nil {
		return nil, newConnError(CategoryConfigurationInvalid, "", 0, fmt.Errorf("session configuration is nil"))
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, classifyConfigError(cfg, err)
	}

	var gatewayCfg *session.Config
	if cfg.GatewaySessionID != "" {
		if f.lookup == nil {
			return nil, newConnError(CategoryConfigurationInvalid, cfg.Host, cfg.Port,
				fmt.Errorf("session references gateway %q but no registry lookup is configured", cfg.GatewaySessionID))
		}
		gatewayCfg = f.lookup(cfg.GatewaySessionID)
		if gatewayCfg == nil {
			return nil, newConnError(CategoryConfigurationInvalid, cfg.Host, cfg.Port,
				fmt.Errorf("gateway session %q not found", cfg.GatewaySessionID))
		}
		gatewayCfg.Normalize()
		if err := gatewayCfg.Validate(); err != nil {
			return nil, newConnError(CategoryGatewayFailed, gatewayCfg.Host, gatewayCfg.Port, err)
		}
	}

	return newSshConnection(cfg, gatewayCfg, f.store, f.prompt, f.logger), nil
}
