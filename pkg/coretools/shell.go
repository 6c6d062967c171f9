package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cyl19970726/continue-reasoning-sub003/internal/tracing"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolexecutor"
)

func (t *tools) execCommandTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "exec_command",
		Description: "Run a shell command in the workspace and return its output.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "command", Type: "string", Description: "Command line passed to /bin/sh -c", Required: true},
			{Name: "cwd", Type: "string", Description: "Working directory (relative to workspace)", Required: false},
			{Name: "timeout_seconds", Type: "number", Description: fmt.Sprintf("Timeout in seconds (default %d)", int(t.execTimeout.Seconds())), Required: false},
			{Name: "stdin", Type: "string", Description: "Standard input", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, _ toolexecutor.AgentRef) (interface{}, error) {
			command, _ := params["command"].(string)
			command = strings.TrimSpace(command)
			if command == "" {
				return nil, fmt.Errorf("command is required")
			}

			cwd := t.root
			if raw, _ := params["cwd"].(string); strings.TrimSpace(raw) != "" {
				resolved, err := t.resolvePath(raw)
				if err != nil {
					return nil, err
				}
				cwd = resolved
			}
			timeout := parseDurationSeconds(params["timeout_seconds"], t.execTimeout)

			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
			cmd.Dir = cwd
			// children that keep the pipes open must not outlive the timeout
			cmd.WaitDelay = time.Second
			if stdin, ok := params["stdin"].(string); ok && stdin != "" {
				cmd.Stdin = strings.NewReader(stdin)
			}
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			logger := tracing.LoggerFromContext(ctx, t.logger)
			logger.Debug().Str("command", command).Str("cwd", t.relative(cwd)).Msg("Executing command")

			start := time.Now()
			err := cmd.Run()
			duration := time.Since(start)

			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("command timed out after %s", timeout)
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			exitCode := 0
			if err != nil {
				var exitErr *exec.ExitError
				if !errors.As(err, &exitErr) {
					return nil, fmt.Errorf("failed to run command: %w", err)
				}
				exitCode = exitErr.ExitCode()
			}

			out, outTruncated := truncateOutput(stdout.String(), t.maxOutputBytes)
			errOut, errTruncated := truncateOutput(stderr.String(), t.maxOutputBytes)

			logger.Debug().
				Int("exitCode", exitCode).
				Dur("duration", duration).
				Msg("Command finished")

			return map[string]interface{}{
				"stdout":      out,
				"stderr":      errOut,
				"exit_code":   exitCode,
				"duration_ms": duration.Milliseconds(),
				"truncated":   outTruncated || errTruncated,
			}, nil
		},
	}
}
