package coretools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cyl19970726/continue-reasoning-sub003/pkg/toolexecutor"
)

func (t *tools) readFileTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "integer", Description: fmt.Sprintf("Maximum bytes to read (default %d)", t.maxReadBytes), Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, _ toolexecutor.AgentRef) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			target, err := t.resolvePath(pathValue)
			if err != nil {
				return nil, err
			}

			maxBytes := int64(intParam(params["max_bytes"], int(t.maxReadBytes)))
			if maxBytes > t.maxReadBytes {
				maxBytes = t.maxReadBytes
			}

			data, truncated, err := readFileWithLimit(target, maxBytes)
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":      t.relative(target),
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

type dirEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

func (t *tools) listDirectoryTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "list_directory",
		Description: "List the entries of a workspace directory.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative directory path (default: workspace root)", Required: false},
			{Name: "recursive", Type: "boolean", Description: "Walk subdirectories (default false)", Required: false},
			{Name: "max_entries", Type: "integer", Description: fmt.Sprintf("Maximum entries to return (default %d)", defaultMaxEntries), Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, _ toolexecutor.AgentRef) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			if strings.TrimSpace(pathValue) == "" {
				pathValue = "."
			}
			target, err := t.resolvePath(pathValue)
			if err != nil {
				return nil, err
			}
			info, err := os.Stat(target)
			if err != nil {
				return nil, err
			}
			if !info.IsDir() {
				return nil, fmt.Errorf("%s is not a directory", pathValue)
			}

			recursive, _ := params["recursive"].(bool)
			limit := intParam(params["max_entries"], defaultMaxEntries)

			entries, truncated, err := t.listEntries(ctx, target, recursive, limit)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"path":      t.relative(target),
				"entries":   entries,
				"truncated": truncated,
			}, nil
		},
	}
}

func (t *tools) listEntries(ctx context.Context, dir string, recursive bool, limit int) ([]dirEntry, bool, error) {
	entries := []dirEntry{}
	truncated := false

	add := func(path string, d fs.DirEntry) error {
		if len(entries) >= limit {
			truncated = true
			return fs.SkipAll
		}
		entry := dirEntry{Path: t.relative(path), Type: "file"}
		switch {
		case d.IsDir():
			entry.Type = "dir"
		case d.Type()&fs.ModeSymlink != 0:
			entry.Type = "symlink"
		default:
			if info, err := d.Info(); err == nil {
				entry.Size = info.Size()
			}
		}
		entries = append(entries, entry)
		return nil
	}

	if !recursive {
		items, err := os.ReadDir(dir)
		if err != nil {
			return nil, false, err
		}
		for _, d := range items {
			if err := add(filepath.Join(dir, d.Name()), d); err != nil {
				break
			}
		}
		return entries, truncated, nil
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == dir {
			return nil
		}
		if d.IsDir() && d.Name() == ".git" {
			return fs.SkipDir
		}
		return add(path, d)
	})
	if err != nil {
		return nil, false, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, truncated, nil
}

func (t *tools) writeFileTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append to file (default false)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, _ toolexecutor.AgentRef) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			target, err := t.resolvePath(pathValue)
			if err != nil {
				return nil, err
			}
			content, _ := params["content"].(string)
			appendMode, _ := params["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}

			flag := os.O_CREATE | os.O_WRONLY
			if appendMode {
				flag |= os.O_APPEND
			} else {
				flag |= os.O_TRUNC
			}
			file, err := os.OpenFile(target, flag, 0644)
			if err != nil {
				return nil, err
			}
			if _, err := file.WriteString(content); err != nil {
				file.Close()
				return nil, err
			}
			if err := file.Close(); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":   t.relative(target),
				"bytes":  len(content),
				"append": appendMode,
			}, nil
		},
	}
}

func (t *tools) editFileTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "edit_file",
		Description: "Replace text in a workspace file.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "search", Type: "string", Description: "Text to search for", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace all occurrences (default false)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, _ toolexecutor.AgentRef) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			target, err := t.resolvePath(pathValue)
			if err != nil {
				return nil, err
			}
			search, _ := params["search"].(string)
			replace, _ := params["replace"].(string)
			replaceAll, _ := params["replace_all"].(bool)
			if search == "" {
				return nil, fmt.Errorf("search is required")
			}

			info, err := os.Stat(target)
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			content := string(data)

			occurrences := strings.Count(content, search)
			if occurrences == 0 {
				return nil, fmt.Errorf("search text not found")
			}
			if replaceAll {
				content = strings.ReplaceAll(content, search, replace)
			} else {
				occurrences = 1
				content = strings.Replace(content, search, replace, 1)
			}

			if err := os.WriteFile(target, []byte(content), info.Mode().Perm()); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":        t.relative(target),
				"occurrences": occurrences,
			}, nil
		},
	}
}
