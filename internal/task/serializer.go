package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Wire field names.
const (
	FieldTitle     = "title"
	FieldIsDone    = "is_done"
	NonFieldErrors = "non_field_errors"
)

// TitleMaxLength is the longest accepted title, in characters.
const TitleMaxLength = 200

const (
	msgRequired   = "This field is required."
	msgNull       = "This field may not be null."
	msgBlank      = "This field may not be blank."
	msgNotString  = "Not a valid string."
	msgNotBoolean = "Must be a valid boolean."
)

// fields is the validation target; constraints live in the tags.
type fields struct {
	Title  string `json:"title" validate:"required,max=200"`
	IsDone bool   `json:"is_done"`
}

// structField maps wire names to the Go names StructPartial expects.
var structField = map[string]string{
	FieldTitle:  "Title",
	FieldIsDone: "IsDone",
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodePayload turns a request body into a Payload. An empty body decodes to
// an empty payload. Malformed JSON yields *ParseError; any JSON value other
// than an object yields *ValidationError under NonFieldErrors.
func DecodePayload(body []byte) (Payload, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Payload{}, nil
	}
	if !json.Valid(body) {
		var probe any
		err := json.Unmarshal(body, &probe)
		if err == nil {
			err = errors.New("invalid JSON")
		}
		return nil, &ParseError{Err: err}
	}
	if body[0] != '{' {
		verr := &ValidationError{}
		verr.add(NonFieldErrors, fmt.Sprintf("Invalid data. Expected a dictionary, but got %s.", jsonKind(body[0])))
		return nil, verr
	}

	p := Payload{}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &ParseError{Err: err}
	}
	return p, nil
}

func jsonKind(first byte) string {
	switch first {
	case '[':
		return "array"
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}

// Validate checks p and returns the typed changes it carries. With partial
// unset every required field must be present (create, replace); with partial
// set only the supplied fields are checked (patch). Read-only and unknown keys
// are ignored. Failures are returned as *ValidationError.
func Validate(p Payload, partial bool) (Changes, error) {
	verr := &ValidationError{}
	var (
		f       fields
		present []string
	)

	if raw, ok := p[FieldTitle]; ok {
		if s, msg := decodeString(raw); msg != "" {
			verr.add(FieldTitle, msg)
		} else {
			f.Title = strings.TrimSpace(s)
			present = append(present, FieldTitle)
		}
	} else if !partial {
		verr.add(FieldTitle, msgRequired)
	}

	if raw, ok := p[FieldIsDone]; ok {
		if b, msg := decodeBool(raw); msg != "" {
			verr.add(FieldIsDone, msg)
		} else {
			f.IsDone = b
			present = append(present, FieldIsDone)
		}
	}

	if len(present) > 0 {
		names := make([]string, len(present))
		for i, name := range present {
			names[i] = structField[name]
		}
		if err := validate.StructPartial(f, names...); err != nil {
			var ferrs validator.ValidationErrors
			if !errors.As(err, &ferrs) {
				return Changes{}, fmt.Errorf("validate task fields: %w", err)
			}
			for _, fe := range ferrs {
				verr.add(fe.Field(), fieldMessage(fe))
			}
		}
	}

	if len(verr.Fields) > 0 {
		return Changes{}, verr
	}

	var ch Changes
	for _, name := range present {
		switch name {
		case FieldTitle:
			title := f.Title
			ch.Title = &title
		case FieldIsDone:
			done := f.IsDone
			ch.IsDone = &done
		}
	}
	return ch, nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return msgBlank
	case "max":
		return fmt.Sprintf("Ensure this field has no more than %s characters.", fe.Param())
	default:
		return fmt.Sprintf("Failed on the %q rule.", fe.Tag())
	}
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// decodeString accepts JSON strings and numbers (rendered as written).
func decodeString(raw json.RawMessage) (string, string) {
	if isNull(raw) {
		return "", msgNull
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", msgNotString
	}
	switch val := v.(type) {
	case string:
		return val, ""
	case float64:
		return string(bytes.TrimSpace(raw)), ""
	default:
		return "", msgNotString
	}
}

var (
	trueValues  = map[string]bool{"t": true, "true": true, "y": true, "yes": true, "on": true, "1": true}
	falseValues = map[string]bool{"f": true, "false": true, "n": true, "no": true, "off": true, "0": true}
)

// decodeBool accepts JSON booleans, 0/1 and the usual textual spellings.
func decodeBool(raw json.RawMessage) (bool, string) {
	if isNull(raw) {
		return false, msgNull
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, msgNotBoolean
	}
	switch val := v.(type) {
	case bool:
		return val, ""
	case float64:
		switch val {
		case 1:
			return true, ""
		case 0:
			return false, ""
		}
	case string:
		s := strings.ToLower(strings.TrimSpace(val))
		if trueValues[s] {
			return true, ""
		}
		if falseValues[s] {
			return false, ""
		}
	}
	return false, msgNotBoolean
}
