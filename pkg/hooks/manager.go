package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cyl19970726/continue-reasoning-sub003/internal/tracing"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/agent"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Agent events a hook can subscribe to.
const (
	EventAgentStep  = "agent:step"
	EventAgentState = "agent:state"
	EventToolStart  = "tool:start"
	EventToolEnd    = "tool:end"
)

const envPrefix = "CR_HOOK_"

// KnownEvents lists every event fired by AgentCallbacks.
var KnownEvents = []string{EventAgentStep, EventAgentState, EventToolStart, EventToolEnd}

// Hook defines a lifecycle event hook.
type Hook struct {
	ID      string
	Event   string
	Script  string
	Timeout time.Duration
	Enabled bool
}

// Config configures a Hook manager.
type Config struct {
	Enabled bool
	Hooks   []Hook
	// DefaultTimeout applies to hooks without their own timeout.
	DefaultTimeout time.Duration
	Logger         *zerolog.Logger
}

// Manager executes configured hooks for lifecycle events.
type Manager struct {
	enabled bool
	logger  zerolog.Logger

	mu           sync.RWMutex
	hooksByEvent map[string][]Hook
}

// NewManager creates a hook manager.
func NewManager(cfg Config) (*Manager, error) {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	manager := &Manager{
		enabled:      cfg.Enabled,
		logger:       logger.With().Str("component", "hooks").Logger(),
		hooksByEvent: make(map[string][]Hook),
	}

	if !cfg.Enabled {
		return manager, nil
	}

	for i, hook := range cfg.Hooks {
		if !hook.Enabled {
			continue
		}
		event := strings.TrimSpace(hook.Event)
		if event == "" {
			return nil, fmt.Errorf("hook event is required")
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", event)
		}
		if hook.ID == "" {
			hook.ID = fmt.Sprintf("%s#%d", event, i)
		}
		if hook.Timeout <= 0 {
			hook.Timeout = cfg.DefaultTimeout
		}
		hook.Event = event
		manager.hooksByEvent[event] = append(manager.hooksByEvent[event], hook)
	}

	return manager, nil
}

// HookCount returns the number of enabled hooks for event.
func (m *Manager) HookCount(event string) int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hooksByEvent[event])
}

// Trigger runs every hook registered for event in parallel and waits for
// all of them. Failures are joined into one error.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]interface{}) error {
	if m == nil || !m.enabled {
		return nil
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return fmt.Errorf("event is required")
	}

	m.mu.RLock()
	hooks := append([]Hook(nil), m.hooksByEvent[event]...)
	m.mu.RUnlock()
	if len(hooks) == 0 {
		return nil
	}

	env := buildHookEnvironment(event, data)
	errs := make([]error, len(hooks))

	var g errgroup.Group
	for i, hook := range hooks {
		g.Go(func() error {
			errs[i] = m.executeHook(ctx, event, hook, env)
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

func (m *Manager) executeHook(ctx context.Context, event string, hook Hook, env []string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	runCtx := ctx
	cancel := func() {}
	if hook.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, hook.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = env

	start := time.Now()
	output, err := cmd.CombinedOutput()
	outputText := strings.TrimSpace(string(output))
	if err != nil {
		if outputText != "" {
			return fmt.Errorf("hook %s failed: %w: %s", hook.ID, err, outputText)
		}
		return fmt.Errorf("hook %s failed: %w", hook.ID, err)
	}

	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Debug().
		Str("event", event).
		Str("hook_id", hook.ID).
		Dur("duration", time.Since(start)).
		Str("output", outputText).
		Msg("Hook executed")

	return nil
}

// AgentCallbacks adapts the manager to agent observers. Hook failures are
// logged and never reach the step loop.
func (m *Manager) AgentCallbacks(ctx context.Context) agent.Callbacks {
	fire := func(event string, data map[string]interface{}) {
		if m.HookCount(event) == 0 {
			return
		}
		if err := m.Trigger(ctx, event, data); err != nil {
			m.logger.Warn().Err(err).Str("event", event).Msg("Hook failed")
		}
	}

	return agent.Callbacks{
		OnToolExecutionStart: func(call toolexecutor.ToolCallParams) {
			fire(EventToolStart, map[string]interface{}{
				"tool_name": call.Name,
				"call_id":   call.CallID,
				"params":    call.Parameters,
			})
		},
		OnToolExecutionEnd: func(result toolexecutor.ToolExecutionResult) {
			fire(EventToolEnd, map[string]interface{}{
				"tool_name":   result.Name,
				"call_id":     result.CallID,
				"status":      string(result.Status),
				"message":     result.Message,
				"duration_ms": result.ExecutionTime.Milliseconds(),
			})
		},
		OnAgentStep: func(step agent.AgentStep) {
			data := map[string]interface{}{
				"step_index": step.StepIndex,
				"tool_calls": len(step.ToolCalls),
				"error":      step.Error,
			}
			if step.ExtractorResult != nil {
				data["final_answer"] = step.ExtractorResult.FinalAnswer
			}
			fire(EventAgentStep, data)
		},
		OnStateChange: func(from, to agent.State) {
			fire(EventAgentState, map[string]interface{}{
				"from": string(from),
				"to":   string(to),
			})
		},
	}
}

func buildHookEnvironment(event string, data map[string]interface{}) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, envPrefix+"EVENT="+event)

	if len(data) == 0 {
		return env
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		envKey := envPrefix + "DATA_" + normalizeEnvKey(key)
		env = append(env, envKey+"="+formatValue(data[key]))
	}
	return env
}

// formatValue renders maps and slices as JSON.
func formatValue(v interface{}) string {
	switch v.(type) {
	case nil:
		return ""
	case map[string]interface{}, []interface{}, []string:
		data, err := json.Marshal(v)
		if err == nil {
			return string(data)
		}
	}
	return fmt.Sprintf("%v", v)
}

func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	upper := strings.ToUpper(key)
	builder := strings.Builder{}
	builder.Grow(len(upper))
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
			continue
		}
		builder.WriteRune('_')
	}
	return builder.String()
}
