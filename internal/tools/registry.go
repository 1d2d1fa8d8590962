// Package tools holds the fixed tool registry the agent loop draws from.
//
// Registration happens once at process start; the registry is read-only
// afterwards. Executors are pure functions of their validated arguments plus
// the collaborator they were constructed with (sandbox dir, integration
// client) and must not reach for ambient mutable state.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Permission is the tag used to scope what a given invocation may call.
type Permission string

const (
	PermFileRead      Permission = "file:read"
	PermFileWrite     Permission = "file:write"
	PermNotesWrite    Permission = "notes:write"
	PermCalendarRead  Permission = "calendar:read"
	PermCalendarWrite Permission = "calendar:write"
	PermEmailRead     Permission = "email:read"
	PermEmailSend     Permission = "email:send"
	PermIssuesRead    Permission = "issues:read"
	PermIssuesWrite   Permission = "issues:write"
	PermWebRead       Permission = "web:read"
	PermBlogWrite     Permission = "blog:write"
	PermSystemRead    Permission = "system:read"
)

// PermissionSet is the set of tags a caller is allowed to exercise.
type PermissionSet map[Permission]struct{}

func NewPermissionSet(tags ...Permission) PermissionSet {
	out := make(PermissionSet, len(tags))
	for _, tag := range tags {
		out[tag] = struct{}{}
	}
	return out
}

// PermissionSetFromStrings parses tags, dropping empties.
func PermissionSetFromStrings(raw []string) PermissionSet {
	out := make(PermissionSet, len(raw))
	for _, item := range raw {
		tag := strings.TrimSpace(item)
		if tag == "" {
			continue
		}
		out[Permission(tag)] = struct{}{}
	}
	return out
}

func (s PermissionSet) Has(tag Permission) bool {
	if s == nil {
		return false
	}
	_, ok := s[tag]
	return ok
}

func (s PermissionSet) Strings() []string {
	out := make([]string, 0, len(s))
	for tag := range s {
		out = append(out, string(tag))
	}
	sort.Strings(out)
	return out
}

// Handler executes a tool with already schema-validated arguments. The string
// result is fed back to the model verbatim (truncated upstream if oversized).
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Definition describes one registered tool.
type Definition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Permission  Permission
	Handler     Handler `json:"-"`
}

// Registry is the fixed name -> definition mapping. Built once, never
// mutated at runtime.
type Registry struct {
	byName map[string]Definition
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Definition)}
}

func (r *Registry) Register(def Definition) error {
	if r == nil {
		return fmt.Errorf("nil registry")
	}
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return fmt.Errorf("missing tool name")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q: missing handler", def.Name)
	}
	if strings.TrimSpace(string(def.Permission)) == "" {
		return fmt.Errorf("tool %q: missing permission tag", def.Name)
	}
	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("tool %q: already registered", def.Name)
	}
	r.byName[def.Name] = def
	r.order = append(r.order, def.Name)
	return nil
}

// MustRegister panics on registration failure. Registration runs at process
// start with static definitions, so a failure is a programming error.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

func (r *Registry) Resolve(name string) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	def, ok := r.byName[strings.TrimSpace(name)]
	return def, ok
}

// List returns definitions whose permission tag is in allowed, in
// registration order. A nil set means no filter.
func (r *Registry) List(allowed PermissionSet) []Definition {
	if r == nil {
		return nil
	}
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		def := r.byName[name]
		if allowed != nil && !allowed.Has(def.Permission) {
			continue
		}
		out = append(out, def)
	}
	return out
}

// Names returns the names of tools whose permission tag is in allowed.
func (r *Registry) Names(allowed PermissionSet) []string {
	defs := r.List(allowed)
	out := make([]string, 0, len(defs))
	for _, def := range defs {
		out = append(out, def.Name)
	}
	return out
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}
