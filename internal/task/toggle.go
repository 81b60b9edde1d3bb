package task

import (
	"encoding/json"
	"maps"
	"strconv"
)

// WithToggleDefault applies the toggle-default policy for partial updates:
// when p has no is_done key, the result asks for the negation of the stored
// value. The returned payload is always a fresh map; p is never modified.
func WithToggleDefault(p Payload, current Task) Payload {
	out := maps.Clone(p)
	if out == nil {
		out = make(Payload, 1)
	}
	if _, ok := out[FieldIsDone]; !ok {
		out[FieldIsDone] = json.RawMessage(strconv.FormatBool(!current.IsDone))
	}
	return out
}
