package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"dfirpipe/report"
)

const (
	maxReadBytes   = 256 << 10
	maxOutputBytes = 64 << 10
)

// Tool is a function the agent may call
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Run         func(ctx context.Context, args json.RawMessage) (string, error)
}

// Deps is what the tools operate on
type Deps struct {
	BaseDir        string
	WritableGlobs  []string
	CommandTimeout time.Duration
	Renderer       *report.Renderer
}

func object(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// confine resolves path against base and refuses anything outside it
func confine(base, path string) (string, string, error) {
	root, err := filepath.Abs(base)
	if err != nil {
		return "", "", err
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, path)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path %q is outside the working directory", path)
	}
	return abs, filepath.ToSlash(rel), nil
}

func truncateOutput(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + fmt.Sprintf("\n... [truncated %d bytes]", len(s)-limit)
}

func readFileTool(d Deps) Tool {
	return Tool{
		Name:        "read_file",
		Description: "Read a text file such as a log export or the analysis JSON.",
		Parameters:  object(map[string]any{"path": stringProp("File path relative to the working directory")}, "path"),
		Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Path string `json:"path"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			abs, _, err := confine(d.BaseDir, args.Path)
			if err != nil {
				return "", err
			}
			f, err := os.Open(abs)
			if err != nil {
				return "", err
			}
			defer f.Close()

			data, err := io.ReadAll(io.LimitReader(f, maxReadBytes+1))
			if err != nil {
				return "", err
			}
			return truncateOutput(string(data), maxReadBytes), nil
		},
	}
}

func listDirectoryTool(d Deps) Tool {
	return Tool{
		Name:        "list_directory",
		Description: "List the entries of a directory.",
		Parameters:  object(map[string]any{"path": stringProp("Directory path, defaults to the working directory")}),
		Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Path string `json:"path"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if args.Path == "" {
				args.Path = "."
			}
			abs, _, err := confine(d.BaseDir, args.Path)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(abs)
			if err != nil {
				return "", err
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
			return strings.Join(names, "\n"), nil
		},
	}
}

func writeFileTool(d Deps) Tool {
	return Tool{
		Name:        "write_file",
		Description: "Write a file. Only paths under the reports directory are writable.",
		Parameters: object(map[string]any{
			"path":    stringProp("Destination path relative to the working directory"),
			"content": stringProp("Full file content"),
		}, "path", "content"),
		Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			abs, rel, err := confine(d.BaseDir, args.Path)
			if err != nil {
				return "", err
			}
			if !writable(d.WritableGlobs, rel) {
				return "", fmt.Errorf("writing %s is not allowed", rel)
			}
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(abs, []byte(args.Content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), rel), nil
		},
	}
}

func writable(globs []string, rel string) bool {
	for _, g := range globs {
		if ok, err := doublestar.Match(g, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func runCommandTool(d Deps) Tool {
	return Tool{
		Name:        "run_command",
		Description: "Run a shell command (grep, jq, awk...) against the evidence and return its output.",
		Parameters:  object(map[string]any{"command": stringProp("Command line passed to bash -c")}, "command"),
		Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Command string `json:"command"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if strings.TrimSpace(args.Command) == "" {
				return "", errors.New("command is empty")
			}
			timeout := d.CommandTimeout
			if timeout <= 0 {
				timeout = 2 * time.Minute
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(ctx, "bash", "-c", args.Command)
			cmd.Dir = d.BaseDir
			var out bytes.Buffer
			cmd.Stdout = &out
			cmd.Stderr = &out
			err := cmd.Run()
			text := truncateOutput(out.String(), maxOutputBytes)
			if ctx.Err() == context.DeadlineExceeded {
				return text, fmt.Errorf("command timed out after %s", timeout)
			}
			if err != nil {
				return fmt.Sprintf("%s\n(exit: %v)", text, err), nil
			}
			return text, nil
		},
	}
}

func thinkTool() Tool {
	return Tool{
		Name:        "think",
		Description: "Record a reasoning step. Has no side effects.",
		Parameters:  object(map[string]any{"thought": stringProp("The thought")}, "thought"),
		Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			return "noted", nil
		},
	}
}

func renderTool(d Deps) Tool {
	return Tool{
		Name:        "generate_html_from_template",
		Description: "Render dfir_reports/dfir_analysis.json into dfir_reports/dfir_report.html using the report template.",
		Parameters:  object(map[string]any{}),
		Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			if d.Renderer == nil {
				return "", errors.New("no renderer configured")
			}
			path, size, err := d.Renderer.RenderToFile()
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("HTML report generated at %s (%d bytes)", path, size), nil
		},
	}
}
