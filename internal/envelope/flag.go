package envelope

import (
	"github.com/drblury/orderflow/internal/runtime/jsoncodec"
)

// Flag is a loosely typed boolean. Producers send true, 1 or "yes" alike, so
// any JSON value counts as set unless it is null, false, zero, an empty string
// or an empty array or object.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	var raw any
	if err := jsoncodec.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Flag(truthy(raw))
	return nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
