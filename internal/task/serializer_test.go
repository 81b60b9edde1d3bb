package task

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func ptr[T any](v T) *T { return &v }

func payload(t *testing.T, body string) Payload {
	t.Helper()
	p, err := DecodePayload([]byte(body))
	if err != nil {
		t.Fatalf("DecodePayload(%q) error = %v", body, err)
	}
	return p
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantKeys   []string
		wantFields map[string][]string
		wantParse  bool
	}{
		{name: "empty body", body: "", wantKeys: []string{}},
		{name: "whitespace body", body: "  \n", wantKeys: []string{}},
		{name: "empty object", body: "{}", wantKeys: []string{}},
		{name: "object", body: `{"title":"a","is_done":true}`, wantKeys: []string{"is_done", "title"}},
		{name: "malformed", body: `{"title":`, wantParse: true},
		{
			name:       "array",
			body:       `[1,2]`,
			wantFields: map[string][]string{NonFieldErrors: {"Invalid data. Expected a dictionary, but got array."}},
		},
		{
			name:       "string",
			body:       `"hello"`,
			wantFields: map[string][]string{NonFieldErrors: {"Invalid data. Expected a dictionary, but got string."}},
		},
		{
			name:       "null",
			body:       `null`,
			wantFields: map[string][]string{NonFieldErrors: {"Invalid data. Expected a dictionary, but got null."}},
		},
		{
			name:       "number",
			body:       `12`,
			wantFields: map[string][]string{NonFieldErrors: {"Invalid data. Expected a dictionary, but got number."}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePayload([]byte(tt.body))

			var perr *ParseError
			if got := errors.As(err, &perr); got != tt.wantParse {
				t.Fatalf("ParseError = %v, want %v (err %v)", got, tt.wantParse, err)
			}
			if tt.wantParse {
				if !strings.HasPrefix(err.Error(), "JSON parse error - ") {
					t.Errorf("Error() = %q, want JSON parse error prefix", err.Error())
				}
				return
			}

			if tt.wantFields != nil {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("error = %v, want *ValidationError", err)
				}
				if diff := cmp.Diff(tt.wantFields, verr.Fields); diff != "" {
					t.Errorf("Fields mismatch (-want +got):\n%s", diff)
				}
				return
			}

			if err != nil {
				t.Fatalf("DecodePayload() error = %v", err)
			}
			keys := []string{}
			for k := range p {
				keys = append(keys, k)
			}
			if diff := cmp.Diff(tt.wantKeys, keys, sortStrings); diff != "" {
				t.Errorf("keys mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

var sortStrings = cmpopts.SortSlices(func(a, b string) bool { return a < b })

func TestValidate(t *testing.T) {
	long := strings.Repeat("x", TitleMaxLength)

	tests := []struct {
		name       string
		body       string
		partial    bool
		want       Changes
		wantFields map[string][]string
	}{
		{
			name: "create with title only",
			body: `{"title":"buy milk"}`,
			want: Changes{Title: ptr("buy milk")},
		},
		{
			name: "create with both fields",
			body: `{"title":"a","is_done":true}`,
			want: Changes{Title: ptr("a"), IsDone: ptr(true)},
		},
		{
			name: "title is trimmed",
			body: `{"title":"  walk dog  "}`,
			want: Changes{Title: ptr("walk dog")},
		},
		{
			name: "title at max length",
			body: `{"title":"` + long + `"}`,
			want: Changes{Title: ptr(long)},
		},
		{
			name: "multibyte title counts characters",
			body: `{"title":"` + strings.Repeat("é", TitleMaxLength) + `"}`,
			want: Changes{Title: ptr(strings.Repeat("é", TitleMaxLength))},
		},
		{
			name: "numeric title is coerced",
			body: `{"title":42}`,
			want: Changes{Title: ptr("42")},
		},
		{
			name: "read-only and unknown keys ignored",
			body: `{"title":"a","id":99,"created_at":"x","colour":"red"}`,
			want: Changes{Title: ptr("a")},
		},
		{
			name:       "missing title on create",
			body:       `{}`,
			wantFields: map[string][]string{"title": {"This field is required."}},
		},
		{
			name:       "blank title",
			body:       `{"title":"   "}`,
			wantFields: map[string][]string{"title": {"This field may not be blank."}},
		},
		{
			name:       "null title",
			body:       `{"title":null}`,
			wantFields: map[string][]string{"title": {"This field may not be null."}},
		},
		{
			name:       "object title",
			body:       `{"title":{"a":1}}`,
			wantFields: map[string][]string{"title": {"Not a valid string."}},
		},
		{
			name:       "title too long",
			body:       `{"title":"` + long + `x"}`,
			wantFields: map[string][]string{"title": {"Ensure this field has no more than 200 characters."}},
		},
		{
			name:       "bad boolean and missing title",
			body:       `{"is_done":"maybe"}`,
			wantFields: map[string][]string{"title": {"This field is required."}, "is_done": {"Must be a valid boolean."}},
		},
		{
			name:    "partial empty payload",
			body:    `{}`,
			partial: true,
			want:    Changes{},
		},
		{
			name:    "partial is_done only",
			body:    `{"is_done":false}`,
			partial: true,
			want:    Changes{IsDone: ptr(false)},
		},
		{
			name:       "partial still checks supplied title",
			body:       `{"title":""}`,
			partial:    true,
			wantFields: map[string][]string{"title": {"This field may not be blank."}},
		},
		{
			name:       "partial null is_done",
			body:       `{"is_done":null}`,
			partial:    true,
			wantFields: map[string][]string{"is_done": {"This field may not be null."}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Validate(payload(t, tt.body), tt.partial)

			if tt.wantFields != nil {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("Validate() error = %v, want *ValidationError", err)
				}
				if diff := cmp.Diff(tt.wantFields, verr.Fields); diff != "" {
					t.Errorf("Fields mismatch (-want +got):\n%s", diff)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Validate() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValidateBooleanSpellings(t *testing.T) {
	tests := map[string]bool{
		`true`: true, `false`: false,
		`1`: true, `0`: false,
		`"true"`: true, `"False"`: false,
		`"yes"`: true, `"no"`: false,
		`"on"`: true, `"off"`: false,
		`"1"`: true, `"0"`: false,
		`"T"`: true, `"f"`: false,
	}
	for raw, want := range tests {
		t.Run(raw, func(t *testing.T) {
			got, err := Validate(payload(t, `{"is_done":`+raw+`}`), true)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if got.IsDone == nil || *got.IsDone != want {
				t.Errorf("IsDone = %v, want %v", got.IsDone, want)
			}
		})
	}

	for _, raw := range []string{`2`, `"maybe"`, `[]`, `{}`} {
		t.Run("reject "+raw, func(t *testing.T) {
			if _, err := Validate(payload(t, `{"is_done":`+raw+`}`), true); err == nil {
				t.Errorf("Validate(%s) error = nil, want validation error", raw)
			}
		})
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{}
	err.add("title", "This field is required.")
	err.add("is_done", "Must be a valid boolean.")

	want := "invalid task payload: is_done: Must be a valid boolean.; title: This field is required."
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
