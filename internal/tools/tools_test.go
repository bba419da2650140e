package tools

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func echoSpec(name string) *Spec {
	return &Spec{
		Name:        name,
		Description: "echo " + name,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := testRegistry(t)
	if err := r.Register(echoSpec("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(echoSpec("echo"))
	var dup *DuplicateToolError
	if !errors.As(err, &dup) || dup.Name != "echo" {
		t.Errorf("second Register err = %v, want DuplicateToolError", err)
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := testRegistry(t)
	tests := []struct {
		name string
		spec *Spec
	}{
		{"nil", nil},
		{"no name", &Spec{Handler: func(context.Context, map[string]any) (string, error) { return "", nil }}},
		{"no handler", &Spec{Name: "x"}},
	}
	for _, tt := range tests {
		if err := r.Register(tt.spec); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestFreeze(t *testing.T) {
	r := testRegistry(t)
	r.Freeze()
	if err := r.Register(echoSpec("late")); !errors.Is(err, ErrRegistryFrozen) {
		t.Errorf("Register after Freeze err = %v, want ErrRegistryFrozen", err)
	}
}

func TestGetUnknown(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Get("nope")
	var unk *UnknownToolError
	if !errors.As(err, &unk) || unk.Name != "nope" {
		t.Errorf("Get err = %v, want UnknownToolError", err)
	}
}

func TestDefinitionsSortedAndShaped(t *testing.T) {
	r := testRegistry(t)
	for _, n := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(echoSpec(n)); err != nil {
			t.Fatal(err)
		}
	}
	defs := r.Definitions()
	if len(defs) != 3 {
		t.Fatalf("got %d definitions", len(defs))
	}
	var names []string
	for _, d := range defs {
		if d["type"] != "function" {
			t.Errorf("type = %v", d["type"])
		}
		fn := d["function"].(map[string]any)
		names = append(names, fn["name"].(string))
		if fn["parameters"] == nil {
			t.Errorf("%s: missing parameters", fn["name"])
		}
	}
	if strings.Join(names, ",") != "alpha,mid,zeta" {
		t.Errorf("order = %v", names)
	}
}

func TestExecute(t *testing.T) {
	r := testRegistry(t)
	r.Register(echoSpec("echo"))
	r.Register(&Spec{
		Name: "fails",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("backend down")
		},
	})
	r.Register(&Spec{
		Name: "panics",
		Handler: func(context.Context, map[string]any) (string, error) {
			panic("boom")
		},
	})

	tests := []struct {
		name    string
		call    Call
		want    string
		wantErr string
	}{
		{"success", Call{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "hi"}}, "hi", ""},
		{"unknown", Call{ID: "c2", Name: "missing"}, "", `unknown tool "missing"`},
		{"missing arg", Call{ID: "c3", Name: "echo", Arguments: map[string]any{}}, "", `invalid argument "text": required`},
		{"wrong type", Call{ID: "c4", Name: "echo", Arguments: map[string]any{"text": 5.0}}, "", "expected string"},
		{"handler error", Call{ID: "c5", Name: "fails"}, "", "backend down"},
		{"handler panic", Call{ID: "c6", Name: "panics"}, "", "panic: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Execute(context.Background(), tt.call)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Execute: %v", err)
				}
				if got != tt.want {
					t.Errorf("Execute = %q, want %q", got, tt.want)
				}
				return
			}
			var te *ToolExecutionError
			if !errors.As(err, &te) {
				t.Fatalf("err = %v (%T), want ToolExecutionError", err, err)
			}
			if te.CallID != tt.call.ID || te.Tool != tt.call.Name {
				t.Errorf("error carries tool=%q call=%q", te.Tool, te.CallID)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestExecuteUnknownUnwraps(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Execute(context.Background(), Call{ID: "c", Name: "ghost"})
	var unk *UnknownToolError
	if !errors.As(err, &unk) {
		t.Errorf("err = %v, want wrapped UnknownToolError", err)
	}
}

func TestExecuteAbandonedOnCancel(t *testing.T) {
	r := testRegistry(t)
	release := make(chan struct{})
	defer close(release)
	r.Register(&Spec{
		Name: "slow",
		Handler: func(context.Context, map[string]any) (string, error) {
			<-release
			return "late", nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Execute(ctx, Call{ID: "c1", Name: "slow"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Execute did not return promptly after cancellation")
	}
}

func TestValidateArgs(t *testing.T) {
	schema, err := CompileSchema("all", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":  map[string]any{"type": "string"},
			"count": map[string]any{"type": "integer", "minimum": 1},
			"ratio": map[string]any{"type": "number"},
			"on":    map[string]any{"type": "boolean"},
			"tags":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"opts": map[string]any{
				"type":       "object",
				"properties": map[string]any{"depth": map[string]any{"type": "integer"}},
				"required":   []string{"depth"},
			},
			"unit": map[string]any{"type": "string", "enum": []any{"c", "f"}},
		},
		"required": []any{"name"},
	})
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	tests := []struct {
		name      string
		args      map[string]any
		wantField string
		wantErr   bool
	}{
		{"minimal", map[string]any{"name": "x"}, "", false},
		{"all types", map[string]any{"name": "x", "count": 3.0, "ratio": 0.5, "on": true, "tags": []any{"a"}, "opts": map[string]any{"depth": 2}}, "", false},
		{"go ints", map[string]any{"name": "x", "count": 3, "tags": []string{"a"}}, "", false},
		{"unknown extra", map[string]any{"name": "x", "other": 1}, "", false},
		{"missing required", map[string]any{"count": 1.0}, "name", true},
		{"fractional integer", map[string]any{"name": "x", "count": 1.5}, "count", true},
		{"below minimum", map[string]any{"name": "x", "count": 0}, "count", true},
		{"string as bool", map[string]any{"name": "x", "on": "true"}, "on", true},
		{"array item type", map[string]any{"name": "x", "tags": []any{"a", 2}}, "tags.1", true},
		{"nested required", map[string]any{"name": "x", "opts": map[string]any{}}, "opts.depth", true},
		{"enum ok", map[string]any{"name": "x", "unit": "c"}, "", false},
		{"enum bad", map[string]any{"name": "x", "unit": "k"}, "unit", true},
	}
	for _, tt := range tests {
		err := ValidateArgs(schema, tt.args)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if err == nil {
			continue
		}
		var ae *ArgumentError
		if !errors.As(err, &ae) {
			t.Errorf("%s: err = %T, want *ArgumentError", tt.name, err)
			continue
		}
		if ae.Field != tt.wantField {
			t.Errorf("%s: Field = %q, want %q (%v)", tt.name, ae.Field, tt.wantField, err)
		}
	}
	if err := ValidateArgs(nil, nil); err != nil {
		t.Errorf("nil schema: %v", err)
	}
}

func TestRegisterRejectsMalformedSchema(t *testing.T) {
	noop := func(context.Context, map[string]any) (string, error) { return "", nil }
	tests := []struct {
		name   string
		params map[string]any
	}{
		{"unknown type", map[string]any{"type": "objekt"}},
		{"required not a list", map[string]any{"type": "object", "required": "x"}},
		{"properties not an object", map[string]any{"type": "object", "properties": []any{"x"}}},
		{"negative minimum length", map[string]any{"type": "string", "minLength": -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testRegistry(t)
			if err := r.Register(&Spec{Name: "bad", Parameters: tt.params, Handler: noop}); err == nil {
				t.Fatal("expected error for malformed schema")
			}
			if _, err := r.Get("bad"); err == nil {
				t.Error("malformed tool was registered")
			}
		})
	}
}

func TestRegisterStoresCopy(t *testing.T) {
	r := testRegistry(t)
	spec := echoSpec("echo")
	if err := r.Register(spec); err != nil {
		t.Fatal(err)
	}
	r.Freeze()

	spec.Description = "changed"
	spec.Handler = func(context.Context, map[string]any) (string, error) { return "hijacked", nil }
	spec.Parameters["required"] = []string{}
	spec.Parameters["properties"].(map[string]any)["text"] = map[string]any{"type": "integer"}

	got, err := r.Get("echo")
	if err != nil {
		t.Fatal(err)
	}
	if got.Description != "echo echo" {
		t.Errorf("Description = %q, want the registered one", got.Description)
	}
	out, err := r.Execute(context.Background(), Call{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "hi"}})
	if err != nil || out != "hi" {
		t.Errorf("Execute = %q, %v; want the registered handler and schema", out, err)
	}
	if _, err := r.Execute(context.Background(), Call{ID: "c2", Name: "echo", Arguments: map[string]any{}}); err == nil {
		t.Error("required field dropped by a change to the caller's spec")
	}

	// Nil Parameters are defaulted on the copy, not on the caller's spec.
	bare := &Spec{Name: "bare", Handler: spec.Handler}
	r2 := testRegistry(t)
	if err := r2.Register(bare); err != nil {
		t.Fatal(err)
	}
	if bare.Parameters != nil {
		t.Errorf("caller's Parameters = %v, want nil", bare.Parameters)
	}

	got.Parameters["type"] = "string"
	again, _ := r.Get("echo")
	if again.Parameters["type"] != "object" {
		t.Error("Get returned the registry's own Parameters")
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	if SessionIDFromContext(ctx) != "" || RequestIDFromContext(ctx) != "" {
		t.Error("empty context should yield empty ids")
	}
	ctx = WithRequestID(WithSessionID(ctx, "s1"), "r_1")
	if SessionIDFromContext(ctx) != "s1" || RequestIDFromContext(ctx) != "r_1" {
		t.Errorf("got session=%q request=%q", SessionIDFromContext(ctx), RequestIDFromContext(ctx))
	}
}
