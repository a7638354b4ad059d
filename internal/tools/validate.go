package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FieldError describes one rejected argument.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationError is returned by Tool.Bind for arguments that do not match
// the tool's input schema.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msgs = append(msgs, fe.Message)
	}
	return "invalid arguments: " + strings.Join(msgs, "; ")
}

func invalid(rule, field, format string, args ...any) *ValidationError {
	return &ValidationError{Errors: []FieldError{{Field: field, Rule: rule, Message: fmt.Sprintf(format, args...)}}}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// decodeArgs decodes a JSON object into dst, rejecting unknown fields and
// trailing data, then runs tag validation. Absent or null args are treated
// as an empty object.
func decodeArgs(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	if raw[0] != '{' {
		return invalid("type", "", "arguments must be a JSON object")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return decodeError(err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return invalid("syntax", "", "unexpected data after arguments object")
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return invalid("internal", "", "%v", err)
		}
		out := &ValidationError{}
		for _, fe := range verrs {
			out.Errors = append(out.Errors, fieldError(fe))
		}
		return out
	}
	return nil
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return invalid("type", typeErr.Field, "%s must be %s", typeErr.Field, jsonType(typeErr.Type))
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return invalid("syntax", "", "malformed arguments: %v", err)
	}
	// encoding/json reports unknown fields as a plain error.
	if msg := err.Error(); strings.HasPrefix(msg, "json: unknown field ") {
		field := strings.Trim(strings.TrimPrefix(msg, "json: unknown field "), `"`)
		return invalid("additionalProperties", field, "unknown argument %q", field)
	}
	return invalid("syntax", "", "malformed arguments: %v", err)
}

func jsonType(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "a string"
	case reflect.Bool:
		return "a boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "an integer"
	case reflect.Slice:
		return "an array"
	case reflect.Map, reflect.Struct:
		return "an object"
	default:
		return t.String()
	}
}

// fieldError renders a validator failure using JSON field paths.
func fieldError(fe validator.FieldError) FieldError {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		ns = rest
	}
	out := FieldError{Field: ns, Rule: fe.Tag()}
	switch fe.Tag() {
	case "required":
		out.Message = fmt.Sprintf("%s is required", ns)
	case "required_without":
		out.Rule = "anyOf"
		out.Message = fmt.Sprintf("one of %s or %s is required", ns, jsonName(fe.Param()))
	case "min":
		out.Rule = "minimum"
		out.Message = fmt.Sprintf("%s must be >= %s", ns, fe.Param())
	case "max":
		out.Rule = "maximum"
		out.Message = fmt.Sprintf("%s must be <= %s", ns, fe.Param())
	case "oneof":
		out.Rule = "enum"
		out.Message = fmt.Sprintf("%s must be one of [%s]", ns, strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		out.Message = fmt.Sprintf("%s failed %s", ns, fe.Tag())
	}
	return out
}

// jsonName maps a Go field name used in a cross-field tag to its JSON name.
func jsonName(goField string) string {
	var b strings.Builder
	for i, r := range goField {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return strings.ReplaceAll(b.String(), "_i_d", "_id")
}
