package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/castellandev/majordomo/internal/sandbox"
)

const (
	searchMaxResults        = 20
	searchMaxMatchesPerFile = 5
)

// RegisterFileTools wires the sandboxed file executors into the registry.
// Every path argument is resolved through the sandbox before any I/O.
func RegisterFileTools(r *Registry, box *sandbox.Dir) {
	r.MustRegister(Definition{
		Name:        "read_file",
		Description: "Read the contents of a text file from the sandboxed data directory.",
		Permission:  PermFileRead,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Relative file path within the data directory"}
			},
			"required": ["path"]
		}`),
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			path := stringArg(args, "path")
			resolved, err := box.Resolve(path)
			if err != nil {
				return "", classifySandboxErr(err)
			}
			b, err := os.ReadFile(resolved)
			if err != nil {
				if os.IsNotExist(err) {
					return "", NewToolError(ErrorCodeNotFound, "file not found: "+path)
				}
				return "", err
			}
			if !utf8.Valid(b) {
				return "", NewToolError(ErrorCodeInvalidPath, path+" is not a text file")
			}
			return string(b), nil
		},
	})

	r.MustRegister(Definition{
		Name:        "write_file",
		Description: "Write content to a file in the sandboxed data directory. Creates parent directories if needed.",
		Permission:  PermFileWrite,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Relative file path within the data directory"},
				"content": {"type": "string", "description": "Content to write to the file"}
			},
			"required": ["path", "content"]
		}`),
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			path := stringArg(args, "path")
			resolved, err := box.Resolve(path)
			if err != nil {
				return "", classifySandboxErr(err)
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0o700); err != nil {
				return "", err
			}
			if err := os.WriteFile(resolved, []byte(stringArg(args, "content")), 0o600); err != nil {
				return "", err
			}
			return "Successfully wrote to " + path, nil
		},
	})

	r.MustRegister(Definition{
		Name:        "list_files",
		Description: "List files and directories in the sandboxed data directory.",
		Permission:  PermFileRead,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Relative directory path within the data directory. Empty string for root."}
			}
		}`),
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			path := stringArg(args, "path")
			resolved, err := box.Resolve(path)
			if err != nil {
				return "", classifySandboxErr(err)
			}
			entries, err := os.ReadDir(resolved)
			if err != nil {
				if os.IsNotExist(err) {
					return "", NewToolError(ErrorCodeNotFound, "directory not found: "+path)
				}
				return "", err
			}
			if len(entries) == 0 {
				return "Directory is empty", nil
			}
			lines := make([]string, 0, len(entries))
			for _, e := range entries {
				if e.IsDir() {
					lines = append(lines, "[DIR] "+e.Name())
					continue
				}
				info, err := e.Info()
				if err != nil {
					lines = append(lines, e.Name())
					continue
				}
				lines = append(lines, fmt.Sprintf("%s (%d bytes)", e.Name(), info.Size()))
			}
			sort.Strings(lines)
			return strings.Join(lines, "\n"), nil
		},
	})

	r.MustRegister(Definition{
		Name:        "search_files",
		Description: "Search for files by name or within file contents in the sandboxed data directory.",
		Permission:  PermFileRead,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Text to search for in file names or contents"},
				"search_type": {"type": "string", "enum": ["name", "content"], "description": "Whether to search file names or file contents"},
				"path": {"type": "string", "description": "Subdirectory to search in. Empty for root."}
			},
			"required": ["query"]
		}`),
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return searchFiles(box, args)
		},
	})
}

func searchFiles(box *sandbox.Dir, args map[string]any) (string, error) {
	query := strings.ToLower(stringArg(args, "query"))
	searchType := stringArg(args, "search_type")
	if searchType == "" {
		searchType = "name"
	}

	base, err := box.Resolve(stringArg(args, "path"))
	if err != nil {
		return "", classifySandboxErr(err)
	}
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return "", NewToolError(ErrorCodeNotFound, "directory not found: "+stringArg(args, "path"))
	}

	var results []string
	truncated := false
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if len(results) >= searchMaxResults {
			truncated = true
			return fs.SkipAll
		}
		rel, relErr := filepath.Rel(box.Root(), path)
		if relErr != nil {
			return nil
		}

		switch searchType {
		case "name":
			if strings.Contains(strings.ToLower(d.Name()), query) {
				results = append(results, rel)
			}
		case "content":
			if d.IsDir() {
				return nil
			}
			b, readErr := os.ReadFile(path)
			if readErr != nil || !utf8.Valid(b) {
				return nil
			}
			content := string(b)
			if !strings.Contains(strings.ToLower(content), query) {
				return nil
			}
			lines := strings.Split(content, "\n")
			matches := make([]string, 0, searchMaxMatchesPerFile)
			for i, line := range lines {
				if len(matches) >= searchMaxMatchesPerFile {
					break
				}
				if strings.Contains(strings.ToLower(line), query) {
					matches = append(matches, fmt.Sprintf("  L%d: %s", i+1, strings.TrimSpace(line)))
				}
			}
			results = append(results, rel+"\n"+strings.Join(matches, "\n"))
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if len(results) == 0 {
		return "No results found", nil
	}
	if truncated {
		results = append(results, "... (truncated, too many results)")
	}
	return strings.Join(results, "\n"), nil
}

func classifySandboxErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sandbox.SecurityError
	if errors.As(err, &se) {
		return NewToolError(ErrorCodeSandboxViolation, se.Error())
	}
	return NewToolError(ErrorCodeInvalidPath, err.Error())
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func intArg(args map[string]any, key string, fallback int) int {
	if args == nil {
		return fallback
	}
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
