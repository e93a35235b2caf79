package di

import (
	"context"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/mail-onebox/internal/adapters/imap"
	"github.com/mikey/mail-onebox/internal/adapters/intake"
	"github.com/mikey/mail-onebox/internal/adapters/mime"
	"github.com/mikey/mail-onebox/internal/api"
	"github.com/mikey/mail-onebox/internal/config"
	"github.com/mikey/mail-onebox/internal/core"
	"github.com/mikey/mail-onebox/internal/credential"
	"github.com/mikey/mail-onebox/internal/factory"
	"github.com/mikey/mail-onebox/internal/logging"
	"github.com/mikey/mail-onebox/internal/mailbox"
	"github.com/mikey/mail-onebox/internal/ports"
	"github.com/mikey/mail-onebox/internal/utils"
	"github.com/mikey/mail-onebox/internal/whitelist"
)

// BuildContainer creates and configures a dependency injection container
// for the server
func BuildContainer() (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(config.New); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
		return nil, err
	}

	if err := provideEnrichment(container); err != nil {
		return nil, err
	}

	// Register seen ledger
	if err := container.Provide(factory.NewLedgerFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.LedgerFactory) (core.SeenLedger, error) {
		return f.CreateLedger()
	}); err != nil {
		return nil, err
	}

	// Register notifier
	if err := container.Provide(factory.NewNotifyFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.NotifyFactory) (core.RecordNotifier, error) {
		return f.CreateNotifier()
	}); err != nil {
		return nil, err
	}

	// Register message processor
	if err := container.Provide(func(
		cfg *config.Config,
		logger *zap.Logger,
		parser core.MessageParser,
		classifier core.Classifier,
		drafter core.Drafter,
		knowledge *core.KnowledgeService,
		store core.RecordStore,
		ledger core.SeenLedger,
		ledgerFactory *factory.LedgerFactory,
		notifier core.RecordNotifier,
		textProcessor *utils.TextProcessor,
	) (*core.MessageProcessor, error) {
		pc, err := cfg.GetProcessing()
		if err != nil {
			return nil, err
		}
		ttl, err := ledgerFactory.TTL()
		if err != nil {
			return nil, err
		}
		if len(pc.SkipDraftCategories) > 0 || len(pc.SkipDraftDomains) > 0 {
			logger.Info("Loaded draft skip policy",
				zap.Int("categories", len(pc.SkipDraftCategories)),
				zap.Strings("domains", pc.SkipDraftDomains))
		}
		return core.NewMessageProcessor(
			parser,
			classifier,
			drafter,
			knowledge,
			store,
			ledger,
			notifier,
			textProcessor,
			logger,
			ttl,
			pc.MaxBodySize,
			pc.SkipDraftCategories,
			whitelist.NewChecker(pc.SkipDraftDomains, logger),
		), nil
	}); err != nil {
		return nil, err
	}

	// Register dispatcher
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger, processor *core.MessageProcessor) (*mailbox.Dispatcher, error) {
		pc, err := cfg.GetProcessing()
		if err != nil {
			return nil, err
		}
		return mailbox.NewDispatcher(processor, pc.MaxConcurrency, pc.Timeout, logger), nil
	}); err != nil {
		return nil, err
	}

	// Register mailbox transport
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) *credential.Resolver {
		return credential.NewResolver(cfg.GetString("keyring.service"), cfg.GetStringSlice("keyring.backends"), logger)
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger, resolver *credential.Resolver) (ports.MailboxDialer, error) {
		sc, err := cfg.GetSync()
		if err != nil {
			return nil, err
		}
		return imap.NewDialer(resolver, logger, sc.DialTimeout), nil
	}); err != nil {
		return nil, err
	}

	// Register supervisor
	if err := container.Provide(func(
		cfg *config.Config,
		logger *zap.Logger,
		dialer ports.MailboxDialer,
		dispatcher *mailbox.Dispatcher,
	) (*mailbox.Supervisor, error) {
		sc, err := cfg.GetSync()
		if err != nil {
			return nil, err
		}
		sessionCfg := mailbox.SessionConfig{
			BackfillWindow: sc.BackfillWindow,
			ReconnectDelay: sc.ReconnectDelay,
			IdleRetryDelay: sc.IdleRetryDelay,
			IdleRefresh:    sc.IdleRefresh,
		}
		return mailbox.NewSupervisor(dialer, dispatcher, sessionCfg, sc.RestartDelay, logger), nil
	}); err != nil {
		return nil, err
	}

	// Register API server
	if err := container.Provide(func(
		cfg *config.Config,
		logger *zap.Logger,
		supervisor *mailbox.Supervisor,
		knowledge *core.KnowledgeService,
		store core.RecordStore,
	) (*api.Server, error) {
		serverCfg, err := cfg.GetServer()
		if err != nil {
			return nil, err
		}
		return api.NewServer(supervisor, knowledge, store, serverCfg, logger), nil
	}); err != nil {
		return nil, err
	}

	// Register SMTP intake
	if err := container.Provide(func(
		cfg *config.Config,
		logger *zap.Logger,
		supervisor *mailbox.Supervisor,
		dispatcher *mailbox.Dispatcher,
	) *intake.SMTPIntake {
		ic := cfg.GetIntake()
		return intake.NewSMTPIntake(supervisor, dispatcher, logger, ic.ListenAddress, ic.Domain, ic.MaxMessageBytes)
	}); err != nil {
		return nil, err
	}

	return container, nil
}

// provideEnrichment registers the text, parsing, AI, storage and knowledge
// components shared by the server and the CLI
func provideEnrichment(container *dig.Container) error {
	// Register text processor
	if err := container.Provide(utils.NewTextProcessor); err != nil {
		return err
	}

	// Register message parser
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) (core.MessageParser, error) {
		pc, err := cfg.GetProcessing()
		if err != nil {
			return nil, err
		}
		return mime.NewParser(logger, pc.MaxPartSize), nil
	}); err != nil {
		return err
	}

	// Register AI clients
	if err := container.Provide(factory.NewLLMFactory); err != nil {
		return err
	}
	if err := container.Provide(func(f *factory.LLMFactory) (core.Classifier, error) {
		return f.CreateClassifier()
	}); err != nil {
		return err
	}
	if err := container.Provide(func(f *factory.LLMFactory) (core.Drafter, error) {
		return f.CreateDrafter()
	}); err != nil {
		return err
	}
	if err := container.Provide(func(f *factory.LLMFactory) (core.Embedder, error) {
		return f.CreateEmbedder()
	}); err != nil {
		return err
	}

	// Register stores
	if err := container.Provide(factory.NewStoreFactory); err != nil {
		return err
	}
	if err := container.Provide(func(f *factory.StoreFactory) (core.RecordStore, error) {
		return f.CreateRecordStore(context.Background())
	}); err != nil {
		return err
	}
	if err := container.Provide(func(f *factory.StoreFactory, embedder core.Embedder) (core.KnowledgeRepository, error) {
		return f.CreateKnowledgeRepository(context.Background(), embedder)
	}); err != nil {
		return err
	}

	// Register knowledge service
	if err := container.Provide(core.NewKnowledgeService); err != nil {
		return err
	}

	return nil
}
