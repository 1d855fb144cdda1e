package vaultenv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
)

// StringValue normalizes a raw provider value to the text form used for
// matching and for env file rendering.
// Strings pass through, nil becomes "", byte slices are taken as text and
// structured values become compact JSON.
func StringValue(val any) string {
	if val == nil {
		return ""
	}

	switch v := val.(type) {
	case string:
		return v
	case Secret:
		return string(v)
	case []byte:
		return string(v)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case int, int8, int16, int32, int64:
		return strconv.FormatInt(reflect.ValueOf(val).Int(), 10)
	case uint, uint8, uint16, uint32, uint64:
		return strconv.FormatUint(reflect.ValueOf(val).Uint(), 10)
	case float32, float64:
		return strconv.FormatFloat(reflect.ValueOf(val).Float(), 'f', -1, 64)
	case fmt.Stringer:
		return v.String()
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(val); err != nil {
		return fmt.Sprint(val)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}
