package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// InputFunc checks a submission payload and returns it normalized (defaults applied).
type InputFunc func(raw []byte) ([]byte, error)

// InputError names the first offending field of a rejected submission.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input: %s %s", e.Field, e.Reason)
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func inputValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// DecodeInput returns an InputFunc for T: unknown fields are rejected, defaults fills zero
// values, and `validate` struct tags are enforced.
func DecodeInput[T any](defaults func(*T)) InputFunc {
	return func(raw []byte) ([]byte, error) {
		var in T
		if len(bytes.TrimSpace(raw)) == 0 {
			raw = []byte("{}")
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&in); err != nil {
			return nil, &InputError{Reason: err.Error()}
		}
		if defaults != nil {
			defaults(&in)
		}
		if err := inputValidator().Struct(&in); err != nil {
			if ves, ok := err.(validator.ValidationErrors); ok && len(ves) > 0 {
				fe := ves[0]
				return nil, &InputError{Field: fe.Namespace()[strings.IndexByte(fe.Namespace(), '.')+1:], Reason: reason(fe)}
			}
			return nil, &InputError{Reason: err.Error()}
		}
		return json.Marshal(in)
	}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "url", "http_url":
		return "must be a URL"
	case "oneof":
		return "must be one of " + fe.Param()
	case "uuid", "uuid4":
		return "must be a UUID"
	default:
		return "failed " + fe.Tag()
	}
}
