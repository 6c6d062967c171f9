package toolset

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolexecutor"
	"github.com/rs/zerolog/log"
)

const (
	ApprovalToolName       = "approval_request"
	defaultApprovalTimeout = 60 * time.Second
)

// ApprovalRequest asks a human to allow an action the model wants to take.
type ApprovalRequest struct {
	Action    string            `json:"action"`
	Details   string            `json:"details,omitempty"`
	AgentID   string            `json:"agent_id"`
	SessionID string            `json:"session_id"`
	Timeout   time.Duration     `json:"timeout"`
	Context   map[string]string `json:"context,omitempty"`
}

type ApprovalResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// ApprovalHandler obtains a decision for a request.
type ApprovalHandler interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)
}

// AutoApprovalHandler approves every request without asking.
type AutoApprovalHandler struct{}

func (AutoApprovalHandler) RequestApproval(_ context.Context, _ ApprovalRequest) (ApprovalResponse, error) {
	return ApprovalResponse{Approved: true, Reason: "auto-approved"}, nil
}

// NewApprovalTool returns the approval_request tool. Requests without their
// own timeout use defaultTimeout, or 60s when that is zero.
func NewApprovalTool(handler ApprovalHandler, defaultTimeout time.Duration) toolexecutor.Tool {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultApprovalTimeout
	}
	return toolexecutor.MustTool(toolexecutor.ToolDefinition{
		Name:        ApprovalToolName,
		Description: "Ask the user to approve an action before performing it. Returns whether it was approved.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "action", Type: "string", Description: "Short description of the action needing approval", Required: true},
			{Name: "details", Type: "string", Description: "Additional details shown to the user"},
			{Name: "timeout_seconds", Type: "integer", Description: "How long to wait for a decision"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, agent toolexecutor.AgentRef) (interface{}, error) {
			req := ApprovalRequest{Timeout: defaultTimeout}
			req.Action, _ = params["action"].(string)
			req.Details, _ = params["details"].(string)
			if secs, ok := params["timeout_seconds"].(float64); ok && secs > 0 {
				req.Timeout = time.Duration(secs * float64(time.Second))
			}
			if agent != nil {
				req.AgentID = agent.AgentID()
				req.SessionID = agent.SessionID()
			}

			resp, err := requestApproval(ctx, handler, req)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"approved": resp.Approved,
				"reason":   resp.Reason,
			}, nil
		},
	})
}

// requestApproval races the handler against the request timeout.
func requestApproval(ctx context.Context, handler ApprovalHandler, req ApprovalRequest) (ApprovalResponse, error) {
	if handler == nil {
		return ApprovalResponse{}, fmt.Errorf("no approval handler configured")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	log.Info().
		Str("action", req.Action).
		Str("agent_id", req.AgentID).
		Msg("Requesting approval")

	type outcome struct {
		resp ApprovalResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := handler.RequestApproval(timeoutCtx, req)
		done <- outcome{resp, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			log.Error().Err(o.err).Str("action", req.Action).Msg("Approval request failed")
			return ApprovalResponse{}, fmt.Errorf("approval request failed: %w", o.err)
		}
		if o.resp.Approved {
			log.Info().Str("action", req.Action).Str("reason", o.resp.Reason).Msg("Approval granted")
		} else {
			log.Warn().Str("action", req.Action).Str("reason", o.resp.Reason).Msg("Approval denied")
		}
		return o.resp, nil

	case <-timeoutCtx.Done():
		log.Warn().Str("action", req.Action).Dur("timeout", req.Timeout).Msg("Approval request timed out")
		return ApprovalResponse{}, fmt.Errorf("approval request timed out after %v", req.Timeout)
	}
}

// CLIApprovalHandler prompts on a terminal. Requests are serialized so
// parallel tool calls do not interleave prompts.
type CLIApprovalHandler struct {
	mu     sync.Mutex
	reader *bufio.Reader
	writer io.Writer
	// pending carries a line read that outlived a timed-out request; the
	// next request consumes it instead of starting a second reader.
	pending chan lineResult
}

type lineResult struct {
	line string
	err  error
}

func NewCLIApprovalHandler(reader io.Reader, writer io.Writer) *CLIApprovalHandler {
	return &CLIApprovalHandler{
		reader: bufio.NewReader(reader),
		writer: writer,
	}
}

func (c *CLIApprovalHandler) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.displayRequest(req)

	if c.pending == nil {
		ch := make(chan lineResult, 1)
		go func() {
			line, err := c.reader.ReadString('\n')
			ch <- lineResult{line, err}
		}()
		c.pending = ch
	}

	select {
	case r := <-c.pending:
		c.pending = nil
		return c.decide(r)
	case <-ctx.Done():
		fmt.Fprintln(c.writer, "\n  Approval request timed out")
		return ApprovalResponse{Approved: false, Reason: "timeout"}, ctx.Err()
	}
}

func (c *CLIApprovalHandler) displayRequest(req ApprovalRequest) {
	fmt.Fprintln(c.writer, "")
	fmt.Fprintln(c.writer, "== Approval required ==")
	fmt.Fprintf(c.writer, "  Action:   %s\n", req.Action)
	if req.Details != "" {
		fmt.Fprintf(c.writer, "  Details:  %s\n", req.Details)
	}
	if req.AgentID != "" {
		fmt.Fprintf(c.writer, "  Agent:    %s\n", req.AgentID)
	}
	if req.Timeout > 0 {
		fmt.Fprintf(c.writer, "  Timeout:  %v\n", req.Timeout)
	}
	if len(req.Context) > 0 {
		keys := make([]string, 0, len(req.Context))
		for k := range req.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(c.writer, "  %s: %s\n", k, req.Context[k])
		}
	}
	fmt.Fprint(c.writer, "  Approve? [y/N]: ")
}

func (c *CLIApprovalHandler) decide(r lineResult) (ApprovalResponse, error) {
	if r.err != nil && r.line == "" {
		if r.err == io.EOF {
			return ApprovalResponse{Approved: false, Reason: "no input provided"}, nil
		}
		return ApprovalResponse{}, fmt.Errorf("failed to read input: %w", r.err)
	}

	switch input := strings.ToLower(strings.TrimSpace(r.line)); input {
	case "y", "yes":
		fmt.Fprintln(c.writer, "  Approved")
		return ApprovalResponse{Approved: true, Reason: "approved by user"}, nil
	case "n", "no", "":
		fmt.Fprintln(c.writer, "  Denied")
		return ApprovalResponse{Approved: false, Reason: "denied by user"}, nil
	default:
		fmt.Fprintf(c.writer, "  Invalid input %q, denying\n", input)
		return ApprovalResponse{Approved: false, Reason: fmt.Sprintf("invalid input: %s", input)}, nil
	}
}
