// Package coretools registers the baseline filesystem and shell tools every
// relay deployment ships with. All paths are confined to a workspace root;
// the shell tool is registered behind the confirmation gate.
package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/halim/relay/pkg/toolexec"
)

// Options configures core tool registration.
type Options struct {
	// WorkspaceRoot confines every file path; required.
	WorkspaceRoot string

	// EnableExec registers the shell tool. It always requires confirmation.
	EnableExec bool
}

const defaultReadLimit = 200_000

// Register adds the core tools to a gateway.
func Register(gw *toolexec.Gateway, opts Options) error {
	if gw == nil {
		return errors.New("tool gateway is required")
	}
	if strings.TrimSpace(opts.WorkspaceRoot) == "" {
		return errors.New("workspace root is required")
	}
	root := filepath.Clean(opts.WorkspaceRoot)

	defs := []toolexec.Definition{
		readFileTool(root),
		writeFileTool(root),
		editFileTool(root),
		listDirTool(root),
	}
	if opts.EnableExec {
		defs = append(defs, execTool(root))
	}

	for _, def := range defs {
		if err := gw.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

func readFileTool(root string) toolexec.Definition {
	return toolexec.Definition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		InputSchema: []byte(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Relative file path"},
				"max_bytes": {"type": "number", "description": "Maximum bytes to read (default 200000)"}
			},
			"required": ["path"]
		}`),
		Handler: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			target, err := resolveInWorkspace(root, stringArg(params, "path"))
			if err != nil {
				return nil, err
			}

			limit := int64(defaultReadLimit)
			if raw, ok := params["max_bytes"].(float64); ok && raw > 0 {
				limit = int64(raw)
			}

			data, truncated, err := readWithLimit(target, limit)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"path":      stringArg(params, "path"),
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

func writeFileTool(root string) toolexec.Definition {
	return toolexec.Definition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace.",
		InputSchema: []byte(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Relative file path"},
				"content": {"type": "string", "description": "File content"},
				"append": {"type": "boolean", "description": "Append instead of overwrite"}
			},
			"required": ["path", "content"]
		}`),
		Handler: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			target, err := resolveInWorkspace(root, stringArg(params, "path"))
			if err != nil {
				return nil, err
			}
			content := stringArg(params, "content")
			appendMode, _ := params["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}

			flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			if appendMode {
				flag = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			}
			f, err := os.OpenFile(target, flag, 0644)
			if err != nil {
				return nil, err
			}
			if _, err := f.WriteString(content); err != nil {
				f.Close()
				return nil, err
			}
			if err := f.Close(); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":   stringArg(params, "path"),
				"bytes":  len(content),
				"append": appendMode,
			}, nil
		},
	}
}

func editFileTool(root string) toolexec.Definition {
	return toolexec.Definition{
		Name:        "edit_file",
		Description: "Replace text in a workspace file.",
		InputSchema: []byte(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Relative file path"},
				"search": {"type": "string", "description": "Text to search for"},
				"replace": {"type": "string", "description": "Replacement text"},
				"replace_all": {"type": "boolean", "description": "Replace all occurrences"}
			},
			"required": ["path", "search", "replace"]
		}`),
		Handler: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			target, err := resolveInWorkspace(root, stringArg(params, "path"))
			if err != nil {
				return nil, err
			}
			search := stringArg(params, "search")
			if search == "" {
				return nil, fmt.Errorf("search is required")
			}
			replace := stringArg(params, "replace")
			replaceAll, _ := params["replace_all"].(bool)

			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			content := string(data)

			occurrences := 0
			var updated string
			if replaceAll {
				occurrences = strings.Count(content, search)
				updated = strings.ReplaceAll(content, search, replace)
			} else if idx := strings.Index(content, search); idx >= 0 {
				occurrences = 1
				updated = content[:idx] + replace + content[idx+len(search):]
			}
			if occurrences == 0 {
				return nil, fmt.Errorf("search text not found")
			}

			if err := os.WriteFile(target, []byte(updated), 0644); err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"path":        stringArg(params, "path"),
				"occurrences": occurrences,
			}, nil
		},
	}
}

func listDirTool(root string) toolexec.Definition {
	return toolexec.Definition{
		Name:        "list_dir",
		Description: "List a workspace directory.",
		InputSchema: []byte(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Relative directory path, defaults to the workspace root"}
			}
		}`),
		Handler: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			rel := stringArg(params, "path")
			if rel == "" {
				rel = "."
			}
			target, err := resolveInWorkspace(root, rel)
			if err != nil {
				return nil, err
			}

			entries, err := os.ReadDir(target)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return map[string]interface{}{
				"path":    rel,
				"entries": names,
			}, nil
		},
	}
}

func execTool(root string) toolexec.Definition {
	return toolexec.Definition{
		Name:        "exec",
		Description: "Run a shell command in the workspace.",
		InputSchema: []byte(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "Shell command line"},
				"cwd": {"type": "string", "description": "Working directory relative to the workspace"},
				"timeout_seconds": {"type": "number", "description": "Timeout in seconds (default 30)"}
			},
			"required": ["command"]
		}`),
		RequiresConfirmation: true,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			command := strings.TrimSpace(stringArg(params, "command"))
			if command == "" {
				return nil, fmt.Errorf("command is required")
			}

			cwd := root
			if rel := stringArg(params, "cwd"); rel != "" {
				resolved, err := resolveInWorkspace(root, rel)
				if err != nil {
					return nil, err
				}
				cwd = resolved
			}

			timeout := 30 * time.Second
			if raw, ok := params["timeout_seconds"].(float64); ok && raw > 0 {
				timeout = time.Duration(raw * float64(time.Second))
			}
			execCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(execCtx, "sh", "-c", command)
			cmd.Dir = cwd
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			start := time.Now()
			runErr := cmd.Run()
			exitCode := 0
			if exitErr := (&exec.ExitError{}); errors.As(runErr, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else if runErr != nil {
				return nil, runErr
			}

			return map[string]interface{}{
				"stdout":      stdout.String(),
				"stderr":      stderr.String(),
				"exit_code":   exitCode,
				"duration_ms": time.Since(start).Milliseconds(),
			}, nil
		},
	}
}

func stringArg(params map[string]interface{}, key string) string {
	value, _ := params[key].(string)
	return value
}

// resolveInWorkspace joins a relative path to the root and rejects anything
// that escapes it.
func resolveInWorkspace(root, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(path, "://") {
		return "", fmt.Errorf("path must be a local file")
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", path)
	}
	return candidate, nil
}

func readWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	if limit <= 0 {
		limit = defaultReadLimit
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}

	extra := make([]byte, 1)
	truncated := false
	if _, err := file.Read(extra); err == nil {
		truncated = true
	}
	return buf.Bytes(), truncated, nil
}
