package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func noopHandler(ctx context.Context, args map[string]any) (string, error) {
	return "ok", nil
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(Definition{Name: "alpha", Permission: PermFileRead, Handler: noopHandler}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	def, ok := r.Resolve("alpha")
	if !ok {
		t.Fatal("expected alpha to resolve")
	}
	if def.Permission != PermFileRead {
		t.Fatalf("unexpected permission %q", def.Permission)
	}
	if _, ok := r.Resolve("beta"); ok {
		t.Fatal("beta should not resolve")
	}
	// Name lookup trims surrounding whitespace the model may emit.
	if _, ok := r.Resolve(" alpha "); !ok {
		t.Fatal("trimmed name should resolve")
	}
}

func TestRegistry_RejectsInvalidDefinitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		def  Definition
	}{
		{"empty name", Definition{Permission: PermFileRead, Handler: noopHandler}},
		{"whitespace name", Definition{Name: "   ", Permission: PermFileRead, Handler: noopHandler}},
		{"missing handler", Definition{Name: "x", Permission: PermFileRead}},
		{"missing permission", Definition{Name: "x", Handler: noopHandler}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := NewRegistry()
			if err := r.Register(tc.def); err == nil {
				t.Fatal("expected registration error")
			}
		})
	}
}

func TestRegistry_RejectsDuplicateName(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	def := Definition{Name: "alpha", Permission: PermFileRead, Handler: noopHandler}
	if err := r.Register(def); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(def); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRegistry_ListFiltersByPermission(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.MustRegister(Definition{Name: "read_thing", Permission: PermFileRead, Handler: noopHandler})
	r.MustRegister(Definition{Name: "write_thing", Permission: PermFileWrite, Handler: noopHandler})
	r.MustRegister(Definition{Name: "send_mail", Permission: PermEmailSend, Handler: noopHandler})

	got := r.Names(NewPermissionSet(PermFileRead, PermEmailSend))
	want := []string{"read_thing", "send_mail"}
	if len(got) != len(want) {
		t.Fatalf("Names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names = %v, want %v", got, want)
		}
	}

	// Nil set means no filter, in registration order.
	all := r.Names(nil)
	if len(all) != 3 || all[0] != "read_thing" || all[2] != "send_mail" {
		t.Fatalf("unfiltered Names = %v", all)
	}

	// Empty (non-nil) set filters everything out.
	if names := r.Names(NewPermissionSet()); len(names) != 0 {
		t.Fatalf("empty set should list nothing, got %v", names)
	}
}

func TestPermissionSetFromStrings(t *testing.T) {
	t.Parallel()

	set := PermissionSetFromStrings([]string{"file:read", "", "  email:send  "})
	if !set.Has(PermFileRead) || !set.Has(PermEmailSend) {
		t.Fatalf("set missing expected tags: %v", set.Strings())
	}
	if set.Has(PermFileWrite) {
		t.Fatal("set should not contain file:write")
	}
	if len(set) != 2 {
		t.Fatalf("len = %d, want 2", len(set))
	}
}

func TestValidateArgs(t *testing.T) {
	t.Parallel()

	def := Definition{
		Name:       "echo",
		Permission: PermFileRead,
		Handler:    noopHandler,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"},
				"limit": {"type": "integer"}
			},
			"required": ["path"]
		}`),
	}

	if terr := ValidateArgs(def, map[string]any{"path": "a.md"}); terr != nil {
		t.Fatalf("valid args rejected: %v", terr)
	}
	if terr := ValidateArgs(def, map[string]any{}); terr == nil {
		t.Fatal("missing required field should fail validation")
	} else if terr.Code != ErrorCodeInvalidArgs {
		t.Fatalf("code = %s, want %s", terr.Code, ErrorCodeInvalidArgs)
	}
	if terr := ValidateArgs(def, map[string]any{"path": 7}); terr == nil {
		t.Fatal("wrong type should fail validation")
	}

	// No schema means no validation.
	bare := Definition{Name: "bare", Permission: PermFileRead, Handler: noopHandler}
	if terr := ValidateArgs(bare, map[string]any{"anything": true}); terr != nil {
		t.Fatalf("schemaless validation should pass: %v", terr)
	}
}

func TestToolError_ErrorsAs(t *testing.T) {
	t.Parallel()

	err := func() error {
		return NewToolError(ErrorCodeNotFound, "file not found: a.md")
	}()
	var terr *ToolError
	if !errors.As(err, &terr) {
		t.Fatal("errors.As should match *ToolError")
	}
	if terr.Code != ErrorCodeNotFound {
		t.Fatalf("code = %s, want %s", terr.Code, ErrorCodeNotFound)
	}
}
