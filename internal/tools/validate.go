package tools

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var printer = message.NewPrinter(language.English)

// CompileSchema compiles a tool parameter schema. Documents that are
// not valid JSON Schema are rejected.
func CompileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	doc, err := toJSONValue(params)
	if err != nil {
		return nil, fmt.Errorf("tool %q parameters: %w", name, err)
	}
	url := "file:///tools/" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tool %q parameters: %w", name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %q parameters: %w", name, err)
	}
	return sch, nil
}

// ValidateArgs checks args against a compiled schema. A mismatch is
// an *ArgumentError naming the first failing field.
func ValidateArgs(sch *jsonschema.Schema, args map[string]any) error {
	if sch == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	inst, err := toJSONValue(args)
	if err != nil {
		return &ArgumentError{Reason: err.Error()}
	}
	err = sch.Validate(inst)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &ArgumentError{Reason: err.Error()}
	}
	return argumentError(ve)
}

// argumentError reports the deepest cause along the first failing
// branch, which is the one a model can act on.
func argumentError(ve *jsonschema.ValidationError) *ArgumentError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field := strings.Join(ve.InstanceLocation, ".")
	switch k := ve.ErrorKind.(type) {
	case *kind.Required:
		if len(k.Missing) > 0 {
			if field != "" {
				field += "."
			}
			return &ArgumentError{Field: field + k.Missing[0], Reason: "required"}
		}
	case *kind.Type:
		return &ArgumentError{Field: field, Reason: fmt.Sprintf("expected %s, got %s", strings.Join(k.Want, " or "), k.Got)}
	}
	return &ArgumentError{Field: field, Reason: ve.ErrorKind.LocalizedString(printer)}
}

// toJSONValue converts Go-built maps (with []string, int and so on)
// into the plain JSON value tree the validator works on.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}
