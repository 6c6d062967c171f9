package coretools

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolexecutor"
	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolset"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Tool set names.
const (
	FilesystemToolSet = "filesystem"
	ShellToolSet      = "shell"
)

const (
	defaultMaxReadBytes   = 200000
	defaultMaxEntries     = 500
	defaultExecTimeout    = 30 * time.Second
	defaultMaxOutputBytes = 64 * 1024
)

// Options configures the core tools.
type Options struct {
	// WorkspaceRoot confines every path; empty means the working directory.
	WorkspaceRoot string
	// AllowExec registers the shell tool set.
	AllowExec      bool
	ExecTimeout    time.Duration
	MaxReadBytes   int64
	MaxOutputBytes int
	Logger         *zerolog.Logger
}

type tools struct {
	root           string
	allowExec      bool
	execTimeout    time.Duration
	maxReadBytes   int64
	maxOutputBytes int
	logger         zerolog.Logger
}

func newTools(opts Options) (*tools, error) {
	root := strings.TrimSpace(opts.WorkspaceRoot)
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("workspace root is not configured: %w", err)
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	t := &tools{
		root:           filepath.Clean(root),
		allowExec:      opts.AllowExec,
		execTimeout:    opts.ExecTimeout,
		maxReadBytes:   opts.MaxReadBytes,
		maxOutputBytes: opts.MaxOutputBytes,
		logger:         log.Logger,
	}
	if opts.Logger != nil {
		t.logger = *opts.Logger
	}
	t.logger = t.logger.With().Str("component", "coretools").Logger()
	if t.execTimeout <= 0 {
		t.execTimeout = defaultExecTimeout
	}
	if t.maxReadBytes <= 0 {
		t.maxReadBytes = defaultMaxReadBytes
	}
	if t.maxOutputBytes <= 0 {
		t.maxOutputBytes = defaultMaxOutputBytes
	}
	return t, nil
}

// ToolSets returns the filesystem set and, when exec is allowed, the shell
// set. Both start inactive; the caller decides what to activate.
func ToolSets(opts Options) ([]toolset.ToolSet, error) {
	t, err := newTools(opts)
	if err != nil {
		return nil, err
	}

	sets := []toolset.ToolSet{{
		Name:        FilesystemToolSet,
		Description: "Read, list and edit files inside the workspace",
		Tools: []toolexecutor.Tool{
			toolexecutor.MustTool(t.readFileTool()),
			toolexecutor.MustTool(t.listDirectoryTool()),
			toolexecutor.MustTool(t.writeFileTool()),
			toolexecutor.MustTool(t.editFileTool()),
		},
	}}

	if t.allowExec {
		sets = append(sets, toolset.ToolSet{
			Name:        ShellToolSet,
			Description: "Run shell commands in the workspace",
			Tools:       []toolexecutor.Tool{toolexecutor.MustTool(t.execCommandTool())},
		})
	}
	return sets, nil
}

// Register adds the core tool sets to registry.
func Register(registry *toolset.Registry, opts Options) error {
	if registry == nil {
		return errors.New("toolset registry is required")
	}
	sets, err := ToolSets(opts)
	if err != nil {
		return err
	}
	for _, set := range sets {
		if err := registry.Register(set); err != nil {
			return fmt.Errorf("failed to register tool set %s: %w", set.Name, err)
		}
	}
	return nil
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	truncated := false
	extra := make([]byte, 1)
	if n, _ := file.Read(extra); n > 0 {
		truncated = true
	}
	return buf.Bytes(), truncated, nil
}

// resolvePath maps a workspace-relative or absolute path to an absolute
// path inside the workspace.
func (t *tools) resolvePath(pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(t.root, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(t.root, candidate)
	if err != nil {
		return "", err
	}
	if rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..") {
		return candidate, nil
	}
	return "", fmt.Errorf("path %q is outside workspace root", pathValue)
}

func (t *tools) relative(path string) string {
	rel, err := filepath.Rel(t.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func parseDurationSeconds(value interface{}, fallback time.Duration) time.Duration {
	switch v := value.(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case int64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return fallback
}

func intParam(value interface{}, fallback int) int {
	switch v := value.(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return fallback
}

// truncateOutput keeps the first limit bytes of s.
func truncateOutput(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	return s[:limit], true
}
