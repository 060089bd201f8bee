package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/noah-isme/grachalle-go-api/internal/config"
	"github.com/noah-isme/grachalle-go-api/internal/models"
	"github.com/noah-isme/grachalle-go-api/internal/service"
	"github.com/noah-isme/grachalle-go-api/pkg/ai"
)

var version = "dev"

const greeting = "会話試験アシスタントです。受けたい試験の言語と難易度を教えてください。（終了: exit）"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "examcli",
		Short:         "Foreign-language conversation exam in the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newChatCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the examcli version",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newChatCmd() *cobra.Command {
	var maxTurns int
	var refusalPolicy, logLevel string

	chat := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive exam session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-turns") {
				cfg.ExamMaxTurns = maxTurns
			}
			if cmd.Flags().Changed("refusal-policy") {
				cfg.ExamRefusalPolicy = refusalPolicy
			}

			policy, err := service.ParseRefusalPolicy(cfg.ExamRefusalPolicy)
			if err != nil {
				return err
			}

			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).Level(level).With().Timestamp().Logger()

			completer, err := ai.NewOpenAICompleter(ai.OpenAIConfig{
				Provider:   cfg.AIProvider,
				Endpoint:   cfg.AIEndpoint,
				APIKey:     cfg.AIAPIKey,
				Model:      cfg.AIModel,
				APIVersion: cfg.AIAPIVersion,
				MaxTokens:  cfg.AIMaxTokens,
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			caller := ai.NewCaller(completer, ai.CallerConfig{Temperature: cfg.AITemperature, Logger: logger})

			session := service.NewExamSession(uuid.NewString(), service.SessionConfig{
				MaxTurns:      cfg.ExamMaxTurns,
				RefusalPolicy: policy,
			}, service.NewSessionDependencies(caller, service.NopPublisher{}, logger))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runChat(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), session)
		},
	}
	chat.Flags().IntVar(&maxTurns, "max-turns", models.DefaultMaxTurns, "examiner turns before evaluation")
	chat.Flags().StringVar(&refusalPolicy, "refusal-policy", string(service.RefusalPolicyRetry), "after an unrelated message: retry|block")
	chat.Flags().StringVar(&logLevel, "log-level", "warn", "log level written to stderr")
	return chat
}

// runChat feeds one line per message into the session until the exam ends or input runs out.
func runChat(ctx context.Context, in io.Reader, out io.Writer, session *service.ExamSession) error {
	_, _ = fmt.Fprintln(out, greeting)

	scanner := bufio.NewScanner(in)
	for {
		_, _ = fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			_, _ = fmt.Fprintln(out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		reply := session.Run(ctx, line)
		_, _ = fmt.Fprintln(out, reply)

		if session.Snapshot().Phase == models.ExamPhaseFinished {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return nil
		}
	}
}
