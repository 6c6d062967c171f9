package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/cyl19970726/continue-reasoning-sub003/internal/config"
	"github.com/cyl19970726/continue-reasoning-sub003/internal/observability"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/agent"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/coretools"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/hooks"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/session"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/taskqueue"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolexecutor"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolset"
	"github.com/rs/zerolog"
)

// newLLM builds the model client for a run. Tests replace it.
var newLLM = buildLLM

// runtimeOptions carries per-invocation settings that are not in the
// config file.
type runtimeOptions struct {
	In        io.Reader
	Out       io.Writer
	Callbacks agent.Callbacks
	Logger    zerolog.Logger
}

// runtime is everything one agent run needs, wired from config.
type runtime struct {
	cfg      *config.Config
	logger   zerolog.Logger
	queue    *taskqueue.Queue
	executor *toolexecutor.Executor
	registry *toolset.Registry
	store    *session.JSONLStore
	hooks    *hooks.Manager
	agent    *agent.Agent
}

func buildRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (*runtime, error) {
	logger := opts.Logger

	llm, err := newLLM(cfg, &logger)
	if err != nil {
		return nil, fmt.Errorf("build llm: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	registry, err := buildRegistry(cfg, opts, logger)
	if err != nil {
		return nil, err
	}

	hookManager, err := hooks.NewManager(hooksConfig(cfg, logger))
	if err != nil {
		return nil, fmt.Errorf("build hooks: %w", err)
	}

	queue := taskqueue.New(
		taskqueue.WithConcurrency(cfg.Queue.Concurrency),
		taskqueue.WithLogger(logger),
	)
	executor := toolexecutor.New(queue, toolexecutor.Options{
		Timeout:       time.Duration(cfg.Tools.TimeoutSeconds) * time.Second,
		MaxOutputSize: cfg.Tools.MaxOutputSize,
		Logger:        &logger,
	})

	systemPrompt := cfg.Agent.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = agent.DefaultSystemPrompt
	}

	a, err := agent.New(agent.Config{
		ID:       cfg.Agent.ID,
		LLM:      llm,
		Executor: executor,
		Registry: registry,
		Processor: agent.NewStandardPromptProcessor(agent.ProcessorConfig{
			HistoryWindow:           cfg.Agent.HistoryWindow,
			FinalAnswerWithoutTools: cfg.Agent.FinalAnswerWithoutTools,
		}),
		Store: store,
		Mode:  agent.ExecutionMode(cfg.Agent.Mode),
		CallOptions: agent.CallOptions{
			Model:        cfg.Models.Default,
			Temperature:  cfg.Models.Temperature,
			MaxTokens:    cfg.Models.MaxTokens,
			SystemPrompt: systemPrompt,
		},
		Callbacks: hookManager.AgentCallbacks(ctx).Merge(opts.Callbacks),
		Logger:    &logger,
	})
	if err != nil {
		_ = queue.Close()
		return nil, err
	}

	return &runtime{
		cfg:      cfg,
		logger:   logger.With().Str("component", "runtime").Logger(),
		queue:    queue,
		executor: executor,
		registry: registry,
		store:    store,
		hooks:    hookManager,
		agent:    a,
	}, nil
}

func buildRegistry(cfg *config.Config, opts runtimeOptions, logger zerolog.Logger) (*toolset.Registry, error) {
	var approval toolset.ApprovalHandler = toolset.AutoApprovalHandler{}
	if cfg.Agent.Mode != config.ModeAuto && opts.In != nil && opts.Out != nil {
		approval = toolset.NewCLIApprovalHandler(opts.In, opts.Out)
	}

	registry := toolset.NewRegistry()
	if err := registry.Register(toolset.NewSystemToolSet(approval)); err != nil {
		return nil, err
	}
	err := coretools.Register(registry, coretools.Options{
		WorkspaceRoot:  cfg.Workspace,
		AllowExec:      cfg.Tools.AllowExec,
		ExecTimeout:    time.Duration(cfg.Tools.ExecTimeoutSeconds) * time.Second,
		MaxOutputBytes: cfg.Tools.MaxOutputSize,
		Logger:         &logger,
	})
	if err != nil {
		return nil, err
	}

	if unknown := registry.Activate(cfg.Agent.ToolSets...); len(unknown) > 0 {
		logger.Warn().Strs("toolsets", unknown).Msg("Ignoring unknown tool sets in agent.toolsets")
	}
	return registry, nil
}

func hooksConfig(cfg *config.Config, logger zerolog.Logger) hooks.Config {
	hc := hooks.Config{
		Enabled:        cfg.Hooks.Enabled,
		DefaultTimeout: time.Duration(cfg.Hooks.TimeoutSeconds) * time.Second,
		Logger:         &logger,
	}
	for i, entry := range cfg.Hooks.Entries {
		hc.Hooks = append(hc.Hooks, hooks.Hook{
			ID:      fmt.Sprintf("%s#%d", entry.Event, i),
			Event:   entry.Event,
			Script:  entry.Script,
			Enabled: entry.Enabled,
		})
	}
	return hc
}

// applyConfig applies the settings that may change while a run is in
// flight. They take effect on the next dispatch cycle.
func (r *runtime) applyConfig(ctx context.Context, cfg *config.Config) {
	changes := map[string]interface{}{}

	if cfg.Queue.Concurrency >= 1 && cfg.Queue.Concurrency != r.queue.Concurrency() {
		r.queue.SetConcurrency(cfg.Queue.Concurrency)
		changes["queue.concurrency"] = cfg.Queue.Concurrency
	}
	if cfg.Tools.TimeoutSeconds > 0 {
		timeout := time.Duration(cfg.Tools.TimeoutSeconds) * time.Second
		if timeout != r.executor.Timeout() {
			r.executor.SetTimeout(timeout)
			changes["tools.timeout_seconds"] = cfg.Tools.TimeoutSeconds
		}
	}
	if len(changes) == 0 {
		return
	}

	r.logger.Info().Fields(changes).Msg("Applied config changes")
	observability.RecordConfigAudit(ctx, "reload", r.agent.AgentID(), changes)
}

// Close waits for in-flight jobs and releases the queue.
func (r *runtime) Close() error {
	return r.queue.Close()
}

func openStore(cfg *config.Config) (*session.JSONLStore, error) {
	store, err := session.NewJSONLStore(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return store, nil
}

// buildLLM creates the failover chain over the configured profiles. Each
// profile retries transient errors before the next profile is tried.
func buildLLM(cfg *config.Config, logger *zerolog.Logger) (agent.LLM, error) {
	profiles := make([]agent.AuthProfile, 0, len(cfg.AI.Profiles))
	for _, p := range cfg.AI.Profiles {
		profiles = append(profiles, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Model:    p.Model,
			Priority: p.Priority,
		})
	}

	factory := &retryingFactory{
		base:        &agent.ProviderFactory{},
		maxAttempts: cfg.AI.Retry.MaxAttempts,
		backoff:     time.Duration(cfg.AI.Retry.InitialBackoffMs) * time.Millisecond,
		logger:      logger,
	}
	return agent.NewFailoverLLM(profiles, factory, logger)
}

type retryingFactory struct {
	base        agent.ProviderCreator
	maxAttempts int
	backoff     time.Duration
	logger      *zerolog.Logger
}

func (f *retryingFactory) NewProvider(profile agent.AuthProfile) (agent.LLM, error) {
	llm, err := f.base.NewProvider(profile)
	if err != nil {
		return nil, err
	}
	return agent.NewRetryingLLM(llm, f.maxAttempts, f.backoff, f.logger), nil
}
