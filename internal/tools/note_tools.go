package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/castellandev/majordomo/internal/sandbox"
)

const notesDir = "notes"

// RegisterNoteTools wires the dated-markdown note executors. Notes live under
// notes/ inside the sandbox, one file per day.
func RegisterNoteTools(r *Registry, box *sandbox.Dir, now func() time.Time) {
	if now == nil {
		now = time.Now
	}

	r.MustRegister(Definition{
		Name:        "quick_note",
		Description: "Append a timestamped note to today's note file.",
		Permission:  PermNotesWrite,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string", "description": "The note text to record"}
			},
			"required": ["text"]
		}`),
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			text := stringArg(args, "text")
			if text == "" {
				return "", NewToolError(ErrorCodeInvalidArgs, "empty note")
			}
			ts := now()
			rel := filepath.Join(notesDir, ts.Format("2006-01-02")+".md")
			resolved, err := box.Resolve(rel)
			if err != nil {
				return "", classifySandboxErr(err)
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0o700); err != nil {
				return "", err
			}
			f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
			if err != nil {
				return "", err
			}
			defer func() { _ = f.Close() }()
			if _, err := fmt.Fprintf(f, "- %s %s\n", ts.Format("15:04"), text); err != nil {
				return "", err
			}
			return "Note saved to " + rel, nil
		},
	})

	r.MustRegister(Definition{
		Name:        "read_notes",
		Description: "Read recent note files, newest first.",
		Permission:  PermFileRead,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"days": {"type": "integer", "description": "How many recent note files to read (default 7)"}
			}
		}`),
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			days := intArg(args, "days", 7)
			if days <= 0 {
				days = 7
			}
			dir, err := box.Resolve(notesDir)
			if err != nil {
				return "", classifySandboxErr(err)
			}
			entries, err := os.ReadDir(dir)
			if err != nil {
				if os.IsNotExist(err) {
					return "No notes yet", nil
				}
				return "", err
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
					names = append(names, e.Name())
				}
			}
			if len(names) == 0 {
				return "No notes yet", nil
			}
			sort.Sort(sort.Reverse(sort.StringSlice(names)))
			if len(names) > days {
				names = names[:days]
			}
			var sb strings.Builder
			for _, name := range names {
				b, err := os.ReadFile(filepath.Join(dir, name))
				if err != nil {
					continue
				}
				sb.WriteString("# " + strings.TrimSuffix(name, ".md") + "\n")
				sb.Write(b)
				sb.WriteString("\n")
			}
			return strings.TrimSpace(sb.String()), nil
		},
	})
}
