package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/ashureev/tutor-pipeline/internal/config"
	"github.com/ashureev/tutor-pipeline/internal/domain"
	"github.com/ashureev/tutor-pipeline/internal/limiter"
	"github.com/ashureev/tutor-pipeline/internal/provider"
	"github.com/ashureev/tutor-pipeline/internal/session"
	"github.com/ashureev/tutor-pipeline/internal/streaming"
	"github.com/ashureev/tutor-pipeline/internal/telemetry"
	"github.com/ashureev/tutor-pipeline/internal/tutor"
)

// cliOwner owns every session created by the CLI.
const cliOwner = "cli"

func askCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Ask one question and print the answer with its quality score",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			topic, _ := cmd.Flags().GetString("topic")
			stream, _ := cmd.Flags().GetBool("stream")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAsk(ctx, cfg, cmd.OutOrStdout(), strings.Join(args, " "), topic, stream)
		},
	}
	cmd.Flags().String("topic", "", "session topic")
	cmd.Flags().Bool("stream", false, "print the answer as it arrives")
	return cmd
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Load()
	}
	return config.LoadFrom(path)
}

func printConfig(w io.Writer, cfg *config.Config) error {
	if err := toml.NewEncoder(w).Encode(cfg.Redacted()); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// runAsk runs the full pipeline in-process: admission, provider call and
// content processing.
func runAsk(ctx context.Context, cfg *config.Config, out io.Writer, question, topic string, stream bool) error {
	logger, closeLog, err := telemetry.InitLogger(config.LogConfig{Level: "error", File: cfg.Log.File}, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	sessions := session.NewStore(session.WithLogger(logger))
	client := provider.New(cfg.ProviderClientConfig(),
		provider.WithSessions(sessions),
		provider.WithLogger(logger),
	)
	if !client.Healthy() {
		return errors.New("LLM_API_KEY is not set")
	}

	asks := limiter.New(cfg.RateLimit.Ask.LimiterConfig(), limiter.WithLogger(logger), limiter.WithoutSweeper())
	defer asks.Close()

	svc := tutor.NewService(sessions, client,
		tutor.WithAskLimiter(asks),
		tutor.WithProcessorConfig(cfg.ProcessorConfig()),
		tutor.WithSystemPrompt(cfg.Session.SystemPrompt),
		tutor.WithServiceLogger(logger),
	)
	sess := svc.CreateSession(cliOwner, topic)

	var answer *tutor.Answer
	if stream {
		answer, err = svc.AskStream(ctx, cliOwner, sess.ID, question, streaming.Callbacks{
			OnChunk: func(chunk domain.StreamingChunk, _ streaming.ProcessingState) {
				fmt.Fprint(out, chunk.Content)
			},
		})
		fmt.Fprintln(out)
	} else {
		answer, err = svc.Ask(ctx, cliOwner, sess.ID, question)
		if err == nil {
			fmt.Fprintln(out, answer.Content)
		}
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprint(out, formatSummary(answer))
	return nil
}

// formatSummary renders the quality score and warnings of an answer.
func formatSummary(a *tutor.Answer) string {
	var b strings.Builder
	if a == nil || a.Processed == nil {
		b.WriteString("Quality: n/a\n")
		return b.String()
	}
	v := a.Processed.Validation
	status := "valid"
	switch {
	case a.Processed.Raw:
		status = "raw fallback"
	case !v.IsValid:
		status = "below threshold"
	}
	fmt.Fprintf(&b, "Quality: %d/100 (%s)\n", v.QualityScore, status)
	fmt.Fprintf(&b, "  structure %d · formatting %d · completeness %d · educational %d\n",
		v.Breakdown.Structure, v.Breakdown.Formatting, v.Breakdown.Completeness, v.Breakdown.Educational)
	for _, w := range v.Warnings {
		fmt.Fprintf(&b, "  warning: %s\n", w)
	}
	if a.Usage != nil {
		fmt.Fprintf(&b, "Tokens: %d\n", a.Usage.TotalTokens)
	}
	slog.Debug("answer metrics", "chunks", a.Metrics.TotalChunks, "passes", a.Metrics.Passes)
	return b.String()
}
