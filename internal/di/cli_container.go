package di

import (
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/mail-onebox/internal/config"
	"github.com/mikey/mail-onebox/internal/logging"
)

// CLIFlags contains the global command line flags of the CLI
type CLIFlags struct {
	ConfigFile string
	Provider   string
	Verbose    bool
	JSONLog    bool
}

// BuildCLIContainer creates and configures a dependency injection container
// for the CLI. It shares the enrichment components with the server but
// never starts mailbox sessions or listeners.
func BuildCLIContainer(flags *CLIFlags) (*dig.Container, error) {
	container := dig.New()

	// Register flags
	if err := container.Provide(func() *CLIFlags { return flags }); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(func(flags *CLIFlags) (*zap.Logger, error) {
		return logging.InitConsoleLogger(flags.Verbose, flags.JSONLog)
	}); err != nil {
		return nil, err
	}

	// Register configuration
	if err := container.Provide(func(flags *CLIFlags, logger *zap.Logger) (*config.Config, error) {
		cfg, err := config.NewWithFile(flags.ConfigFile)
		if err != nil {
			return nil, err
		}
		if used := cfg.GetViper().ConfigFileUsed(); used != "" {
			logger.Debug("Loaded configuration from file", zap.String("file", used))
		}
		if flags.Provider != "" {
			cfg.Set("llm.provider", flags.Provider)
		}
		return cfg, nil
	}); err != nil {
		return nil, err
	}

	if err := provideEnrichment(container); err != nil {
		return nil, err
	}

	return container, nil
}
