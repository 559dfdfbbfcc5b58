package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Errors is returned when a configuration fails to decode or validate.
type Errors []ValidationError

// Error implements the error interface.
func (e Errors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, ve := range e {
		var b strings.Builder
		if ve.File != "" {
			b.WriteString(ve.File)
			if ve.Line > 0 {
				fmt.Fprintf(&b, ":%d", ve.Line)
			}
			b.WriteString(": ")
		}
		if ve.Path != "" {
			b.WriteString(ve.Path)
			b.WriteString(": ")
		}
		b.WriteString(ve.Message)
		msgs = append(msgs, b.String())
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load reads, decodes and validates the file at path. Fields absent from the
// file keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	var verrs Errors
	if errors.As(err, &verrs) {
		for i := range verrs {
			verrs[i].File = path
		}
		return nil, verrs
	}
	return cfg, err
}

// Parse decodes and validates a YAML document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, convertYAMLError(err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validation failed: %w", err)
	}

	verrs := make(Errors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		verrs = append(verrs, ValidationError{
			Path:    fieldPath(fe.Namespace()),
			Message: fieldMessage(fe),
		})
	}
	return verrs
}

// fieldPath turns "Config.Telemetry.logging.level" into "logging.level".
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 0 {
		parts = parts[1:]
	}
	if len(parts) > 0 && parts[0] == "Telemetry" {
		parts = parts[1:]
	}
	return strings.Join(parts, ".")
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	default:
		return fmt.Sprintf("failed on '%s' validation", fe.Tag())
	}
}

// convertYAMLError extracts line numbers from yaml decode errors.
func convertYAMLError(err error) error {
	var typeErr *yaml.TypeError
	if !errors.As(err, &typeErr) {
		return Errors{lineError(err.Error())}
	}

	verrs := make(Errors, 0, len(typeErr.Errors))
	for _, msg := range typeErr.Errors {
		verrs = append(verrs, lineError(msg))
	}
	return verrs
}

// lineError parses the "line N: msg" form used by yaml.v3.
func lineError(msg string) ValidationError {
	msg = strings.TrimPrefix(msg, "yaml: ")
	rest, ok := strings.CutPrefix(msg, "line ")
	if !ok {
		return ValidationError{Message: msg}
	}
	num, text, ok := strings.Cut(rest, ": ")
	if !ok {
		return ValidationError{Message: msg}
	}
	line, err := strconv.Atoi(num)
	if err != nil {
		return ValidationError{Message: msg}
	}
	return ValidationError{Line: line, Message: text}
}
