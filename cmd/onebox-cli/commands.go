package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mikey/mail-onebox/internal/config"
	"github.com/mikey/mail-onebox/internal/core"
	"github.com/mikey/mail-onebox/internal/credential"
	"github.com/mikey/mail-onebox/internal/di"
	"github.com/mikey/mail-onebox/internal/factory"
	"github.com/mikey/mail-onebox/internal/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func classifyCmd(flags *di.CLIFlags) *cobra.Command {
	var inputFile string

	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify a single RFC 5322 message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return invoke(flags, func(
				cfg *config.Config,
				logger *zap.Logger,
				parser core.MessageParser,
				classifier core.Classifier,
				tp *utils.TextProcessor,
				llm *factory.LLMFactory,
			) error {
				defer logger.Sync()
				defer llm.Close()

				parsed, body, err := readMessage(cmd, inputFile, cfg, parser, tp, logger)
				if err != nil {
					return err
				}

				start := time.Now()
				category, err := classifier.Classify(cmd.Context(), body)
				if err != nil {
					return fmt.Errorf("failed to classify message: %w", err)
				}

				out := cmd.OutOrStdout()
				printSummary(out, parsed, body)
				fmt.Fprintf(out, "=== Result ===\n")
				fmt.Fprintf(out, "Provider: %s\n", cfg.GetLLM().Provider)
				fmt.Fprintf(out, "Category: %s\n", category)
				fmt.Fprintf(out, "Processing time: %v\n", time.Since(start))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&inputFile, "file", "f", "", "Input email file (stdin if not specified)")
	return cmd
}

func draftCmd(flags *di.CLIFlags) *cobra.Command {
	var inputFile string

	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Draft a reply to a single RFC 5322 message using stored knowledge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return invoke(flags, func(
				cfg *config.Config,
				logger *zap.Logger,
				parser core.MessageParser,
				drafter core.Drafter,
				knowledge *core.KnowledgeService,
				tp *utils.TextProcessor,
				llm *factory.LLMFactory,
				stores *factory.StoreFactory,
			) error {
				defer logger.Sync()
				defer llm.Close()
				defer stores.Close()

				parsed, body, err := readMessage(cmd, inputFile, cfg, parser, tp, logger)
				if err != nil {
					return err
				}

				knowledgeContext := core.NoContextPlaceholder
				texts, err := knowledge.Query(cmd.Context(), body, 1)
				if err != nil {
					logger.Warn("Failed to query knowledge", zap.Error(err))
				} else if len(texts) > 0 {
					knowledgeContext = strings.Join(texts, "\n")
				}

				start := time.Now()
				reply, err := drafter.Draft(cmd.Context(), body, knowledgeContext)
				if err != nil {
					return fmt.Errorf("failed to draft reply: %w", err)
				}

				out := cmd.OutOrStdout()
				printSummary(out, parsed, body)
				fmt.Fprintf(out, "=== Context ===\n%s\n\n", knowledgeContext)
				fmt.Fprintf(out, "=== Suggested reply ===\n%s\n\n", strings.TrimSpace(reply))
				fmt.Fprintf(out, "Processing time: %v\n", time.Since(start))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&inputFile, "file", "f", "", "Input email file (stdin if not specified)")
	return cmd
}

func knowledgeCmd(flags *di.CLIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage reply knowledge",
	}
	cmd.AddCommand(knowledgeAddCmd(flags), knowledgeQueryCmd(flags))
	return cmd
}

func knowledgeAddCmd(flags *di.CLIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "add <text>",
		Short: "Store a knowledge snippet",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return fmt.Errorf("missing text")
			}
			return invoke(flags, func(
				cfg *config.Config,
				logger *zap.Logger,
				knowledge *core.KnowledgeService,
				llm *factory.LLMFactory,
				stores *factory.StoreFactory,
			) error {
				defer logger.Sync()
				defer llm.Close()
				defer stores.Close()

				warnEphemeral(cfg, logger)
				if err := knowledge.Add(cmd.Context(), text); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Knowledge added")
				return nil
			})
		},
	}
}

func knowledgeQueryCmd(flags *di.CLIFlags) *cobra.Command {
	var k int

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Show the snippets most similar to text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return invoke(flags, func(
				cfg *config.Config,
				logger *zap.Logger,
				knowledge *core.KnowledgeService,
				llm *factory.LLMFactory,
				stores *factory.StoreFactory,
			) error {
				defer logger.Sync()
				defer llm.Close()
				defer stores.Close()

				warnEphemeral(cfg, logger)
				texts, err := knowledge.Query(cmd.Context(), text, k)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(texts) == 0 {
					fmt.Fprintln(out, "No matching knowledge")
					return nil
				}
				for i, t := range texts {
					fmt.Fprintf(out, "%d. %s\n", i+1, t)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", 3, "Number of snippets to return")
	return cmd
}

func secretCmd(flags *di.CLIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage IMAP passwords in the system keyring",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key>",
		Short: "Store the password read from stdin under key",
		Long: "Store the password read from stdin under key. Accounts reference it\n" +
			"with a password of the form " + credential.KeyringPrefix + "<key>.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return invoke(flags, func(cfg *config.Config, logger *zap.Logger) error {
				defer logger.Sync()

				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read password: %w", err)
				}
				secret := strings.TrimRight(string(raw), "\r\n")
				if secret == "" {
					return fmt.Errorf("empty password")
				}

				resolver := credential.NewResolver(cfg.GetString("keyring.service"), cfg.GetStringSlice("keyring.backends"), logger)
				if err := resolver.Store(args[0], secret); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored password as %s%s\n", credential.KeyringPrefix, args[0])
				return nil
			})
		},
	})
	return cmd
}

func readMessage(
	cmd *cobra.Command,
	inputFile string,
	cfg *config.Config,
	parser core.MessageParser,
	tp *utils.TextProcessor,
	logger *zap.Logger,
) (*core.ParsedMessage, string, error) {
	var reader io.Reader
	if inputFile != "" {
		file, err := os.Open(inputFile)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open input file: %w", err)
		}
		defer file.Close()
		reader = file
		logger.Debug("Reading email from file", zap.String("file", inputFile))
	} else {
		reader = cmd.InOrStdin()
		logger.Debug("Reading email from stdin")
	}

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read email: %w", err)
	}
	parsed, err := parser.Parse(raw)
	if err != nil {
		return nil, "", err
	}

	pc, err := cfg.GetProcessing()
	if err != nil {
		return nil, "", err
	}
	return parsed, core.MessageBody(tp, parsed, pc.MaxBodySize), nil
}

func printSummary(out io.Writer, parsed *core.ParsedMessage, body string) {
	fmt.Fprintf(out, "\n=== Email Summary ===\n")
	fmt.Fprintf(out, "From: %s\n", parsed.From)
	fmt.Fprintf(out, "To: %s\n", parsed.To)
	fmt.Fprintf(out, "Subject: %s\n", parsed.Subject)
	fmt.Fprintf(out, "Body length: %d bytes\n\n", len(body))
}

// warnEphemeral flags knowledge commands run against the in-memory repository
func warnEphemeral(cfg *config.Config, logger *zap.Logger) {
	if cfg.GetString("knowledge.type") == "memory" {
		logger.Warn("knowledge.type is memory, snippets are not kept after this command exits")
	}
}
