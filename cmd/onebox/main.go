package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mikey/mail-onebox/internal/adapters/intake"
	"github.com/mikey/mail-onebox/internal/api"
	"github.com/mikey/mail-onebox/internal/config"
	"github.com/mikey/mail-onebox/internal/core"
	"github.com/mikey/mail-onebox/internal/di"
	"github.com/mikey/mail-onebox/internal/factory"
	"github.com/mikey/mail-onebox/internal/mailbox"
	"go.uber.org/dig"
	"go.uber.org/zap"
)

func main() {
	// Build the dependency injection container
	container, err := di.BuildContainer()
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	// Run the application
	if err := container.Invoke(run); err != nil {
		fmt.Printf("Application error: %v\n", dig.RootCause(err))
		os.Exit(1)
	}
}

type deps struct {
	dig.In

	Config        *config.Config
	Logger        *zap.Logger
	Supervisor    *mailbox.Supervisor
	Server        *api.Server
	Intake        *intake.SMTPIntake
	LLMFactory    *factory.LLMFactory
	StoreFactory  *factory.StoreFactory
	LedgerFactory *factory.LedgerFactory
}

// run is the main application function that gets all dependencies injected
func run(d deps) error {
	logger := d.Logger
	defer logger.Sync()

	defer d.LLMFactory.Close()
	defer d.StoreFactory.Close()
	defer d.LedgerFactory.Stop()

	serverCfg, err := d.Config.GetServer()
	if err != nil {
		return err
	}

	// Register accounts preloaded from the config file
	accounts, err := d.Config.GetAccounts()
	if err != nil {
		return err
	}
	for _, account := range accounts {
		if err := d.Supervisor.Register(context.Background(), account); err != nil {
			if errors.Is(err, core.ErrDuplicateAccount) {
				logger.Warn("Skipping duplicate account", zap.String("account", account.Identity()))
				continue
			}
			return fmt.Errorf("failed to register account %s: %w", account.Identity(), err)
		}
	}

	// Start the API server
	if err := d.Server.Start(); err != nil {
		return err
	}

	// Start the SMTP intake
	intakeEnabled := d.Config.GetIntake().Enabled
	if intakeEnabled {
		if err := d.Intake.Start(); err != nil {
			return err
		}
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), serverCfg.ShutdownTimeout)
	defer cancel()

	if err := d.Server.Shutdown(ctx); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}
	if intakeEnabled {
		if err := d.Intake.Stop(); err != nil {
			logger.Error("Failed to stop SMTP intake", zap.Error(err))
		}
	}
	if err := d.Supervisor.Shutdown(ctx); err != nil {
		logger.Error("Failed to stop mailbox sessions", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}
