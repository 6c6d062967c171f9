package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cyl19970726/continue-reasoning-sub003/internal/config"
	"github.com/cyl19970726/continue-reasoning-sub003/internal/logger"
	"github.com/cyl19970726/continue-reasoning-sub003/internal/observability"
	"github.com/cyl19970726/continue-reasoning-sub003/internal/tracing"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/agent"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolexecutor"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	runMaxSteps    int
	runSessionID   string
	runStream      bool
	runMode        string
	runConcurrency int
	runMetricsAddr string
	runWatchConfig bool
	runQuiet       bool
)

// errNoFinalAnswer is returned when the loop ends without a final answer.
var errNoFinalAnswer = errors.New("agent stopped without a final answer")

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run the agent on a prompt",
	Long: `Run the agent step loop on a prompt until it produces a final answer,
is interrupted or reaches the step limit. The prompt is taken from the
arguments, or from stdin when no arguments are given.

The final answer is written to stdout. Progress and logs go to stderr.
Press Ctrl+C once to stop after the current step, twice to abort.`,
	RunE: runAgent,
}

func init() {
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "maximum number of steps (default from config)")
	runCmd.Flags().StringVar(&runSessionID, "session", "", "session id (default: new session)")
	runCmd.Flags().BoolVar(&runStream, "stream", false, "stream model output to stderr")
	runCmd.Flags().StringVar(&runMode, "mode", "", "execution mode override (auto, manual, supervised)")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "task queue concurrency override")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	runCmd.Flags().BoolVar(&runWatchConfig, "watch-config", false, "apply config file changes while running")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "do not print step progress")

	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	prevLogger := zlog.Logger
	lg, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		Console:    true,
		Pretty:     cfg.Logging.Pretty,
		Redaction:  cfg.Logging.Redaction,
		MaxSizeMB:  cfg.Logging.MaxSize,
		MaxAgeDays: cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		zlog.Logger = prevLogger
		_ = lg.Close()
	}()
	log := lg.Component("cli")

	for _, verr := range config.NewValidator().ValidateConfig(cfg) {
		log.Warn().Err(verr).Msg("Config check")
	}

	prompt, err := readPrompt(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracing.ShutdownOpenTelemetry(shutdownCtx)
		}()
	}
	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			log.Warn().Err(err).Msg("Failed to open audit log")
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if cfg.Metrics.Addr != "" {
		stopMetrics := serveMetrics(cfg.Metrics.Addr, log)
		defer stopMetrics()
	}

	stderr := cmd.ErrOrStderr()
	rt, err := buildRuntime(ctx, cfg, runtimeOptions{
		In:        cmd.InOrStdin(),
		Out:       stderr,
		Callbacks: progressCallbacks(stderr, runQuiet),
		Logger:    lg.Zerolog(),
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	if runWatchConfig {
		watcher, err := config.NewWatcher(config.WatcherConfig{
			Loader: loader,
			OnReload: func(next *config.Config) {
				applyRunFlags(next)
				rt.applyConfig(ctx, next)
			},
			Logger: &log,
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	stopSignals := handleInterrupts(ctx, rt.agent, cancel, log)
	defer stopSignals()

	opts := agent.RunOptions{
		Stream:       runStream,
		Priority:     cfg.Agent.ToolPriority,
		StepPriority: cfg.Agent.StepPriority,
	}
	if runStream {
		opts.OnTextDelta = func(delta string) { fmt.Fprint(stderr, delta) }
	}

	runErr := rt.agent.StartWithUserInput(ctx, prompt, cfg.Agent.MaxSteps, runSessionID, opts)
	if runStream {
		fmt.Fprintln(stderr)
	}
	if runErr != nil {
		return runErr
	}

	stats := rt.agent.PromptProcessorStats()
	if !runQuiet {
		fmt.Fprintf(stderr, "session %s: %d step(s)\n", rt.agent.SessionID(), len(rt.agent.History()))
	}
	if !stats.HasFinalAnswer {
		return errNoFinalAnswer
	}
	fmt.Fprintln(cmd.OutOrStdout(), stats.FinalAnswer)
	return nil
}

// applyRunFlags overlays run flags on a loaded config.
func applyRunFlags(cfg *config.Config) {
	if runMaxSteps > 0 {
		cfg.Agent.MaxSteps = runMaxSteps
	}
	if runMode != "" {
		cfg.Agent.Mode = runMode
	}
	if runConcurrency > 0 {
		cfg.Queue.Concurrency = runConcurrency
	}
	if runMetricsAddr != "" {
		cfg.Metrics.Addr = runMetricsAddr
	}
}

func readPrompt(args []string, in io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt from stdin: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("a prompt is required (pass it as an argument or on stdin)")
	}
	return prompt, nil
}

// handleInterrupts stops the agent on the first signal and cancels the run
// on the second.
func handleInterrupts(ctx context.Context, a *agent.Agent, cancel context.CancelFunc, log zerolog.Logger) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		count := 0
		for {
			select {
			case sig := <-sigCh:
				count++
				if count == 1 {
					log.Info().Str("signal", sig.String()).Msg("Stopping after the current step")
					a.Stop()
					continue
				}
				log.Warn().Str("signal", sig.String()).Msg("Aborting run")
				cancel()
				return
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func serveMetrics(addr string, log zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// progressCallbacks prints one line per tool call and step.
func progressCallbacks(w io.Writer, quiet bool) agent.Callbacks {
	if quiet {
		return agent.Callbacks{}
	}
	return agent.Callbacks{
		OnToolExecutionStart: func(call toolexecutor.ToolCallParams) {
			fmt.Fprintf(w, "  -> %s (%s)\n", call.Name, call.CallID)
		},
		OnToolExecutionEnd: func(res toolexecutor.ToolExecutionResult) {
			line := fmt.Sprintf("  <- %s %s %s", res.Name, res.Status, res.ExecutionTime.Round(time.Millisecond))
			if res.Message != "" {
				line += ": " + res.Message
			}
			fmt.Fprintln(w, line)
		},
		OnAgentStep: func(step agent.AgentStep) {
			if step.Error != "" {
				fmt.Fprintf(w, "step %d failed: %s\n", step.StepIndex, step.Error)
				return
			}
			fmt.Fprintf(w, "step %d: %d tool call(s)\n", step.StepIndex, len(step.ToolCalls))
		},
	}
}
