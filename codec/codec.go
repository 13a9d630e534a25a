package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/c360/nvbus/errors"
)

// BytesTag is the mapping key that marks a binary value on the wire.
const BytesTag = "$bytes"

var bytesType = reflect.TypeOf([]byte(nil))

// Encode renders v in the wire format. v must be built from the supported
// kinds; anything else yields an *errors.EncodingError.
func Encode(v any) ([]byte, error) {
	canonical, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, canonical); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Normalize converts v to its canonical form: int64 for every integer kind,
// float64 for reals, []any for sequences and map[string]any for mappings.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return normalize(reflect.ValueOf(v), "")
}

// Equal reports whether a and b encode to the same wire value. Values that
// cannot be encoded are never equal.
func Equal(a, b any) bool {
	na, err := Normalize(a)
	if err != nil {
		return false
	}
	nb, err := Normalize(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

func normalize(rv reflect.Value, path string) (any, error) {
	switch rv.Kind() {
	case reflect.Invalid:
		return nil, nil
	case reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem(), path)
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, &errors.EncodingError{Path: path, Type: rv.Type().String(), Reason: "integer exceeds int64"}
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, &errors.EncodingError{Path: path, Type: rv.Type().String(), Reason: "not a finite number"}
		}
		return f, nil
	case reflect.String:
		if !utf8.ValidString(rv.String()) {
			return nil, &errors.EncodingError{Path: path, Type: rv.Type().String(), Reason: "invalid UTF-8"}
		}
		return rv.String(), nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			out := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(out), rv)
			return out, nil
		}
		return normalizeSeq(rv, path)
	case reflect.Array:
		return normalizeSeq(rv, path)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &errors.EncodingError{Path: path, Type: rv.Type().String(), Reason: "mapping keys must be strings"}
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			if !utf8.ValidString(key) {
				return nil, &errors.EncodingError{Path: path, Type: rv.Type().String(), Reason: "invalid UTF-8 key"}
			}
			val, err := normalize(iter.Value(), joinKey(path, key))
			if err != nil {
				return nil, err
			}
			out[key] = val
		}
		return out, nil
	default:
		return nil, &errors.EncodingError{Path: path, Type: rv.Type().String()}
	}
}

func normalizeSeq(rv reflect.Value, path string) (any, error) {
	out := make([]any, rv.Len())
	for i := range out {
		val, err := normalize(rv.Index(i), fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out[i] = val
	}
	return out, nil
}

func joinKey(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(t))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case float64:
		buf.WriteString(formatFloat(t))
	case string:
		return writeString(buf, t)
	case []byte:
		buf.WriteString(`{"` + BytesTag + `":"`)
		buf.WriteString(base64.StdEncoding.EncodeToString(t))
		buf.WriteString(`"}`)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, escapeKey(k)); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return &errors.EncodingError{Type: fmt.Sprintf("%T", v)}
	}
	return nil
}

// formatFloat always emits a decimal point or an exponent so the value
// decodes back as a real.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func writeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return &errors.EncodingError{Type: "string", Reason: err.Error()}
	}
	// Encoder appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

func escapeKey(k string) string {
	if strings.HasPrefix(k, "$") {
		return "$" + k
	}
	return k
}

// Decode parses a wire document into its canonical Go value. Malformed
// input yields an *errors.DecodingError.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, &errors.DecodingError{Reason: "malformed document", Err: err}
	}
	if _, err := dec.Token(); !stderrors.Is(err, io.EOF) {
		return nil, &errors.DecodingError{Reason: "trailing data after document"}
	}
	return fromWire(raw)
}

func fromWire(raw any) (any, error) {
	switch t := raw.(type) {
	case nil, bool, string:
		return t, nil
	case json.Number:
		return decodeNumber(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			v, err := fromWire(elem)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case map[string]any:
		return decodeMapping(t)
	default:
		return nil, &errors.DecodingError{Reason: fmt.Sprintf("unexpected %T", raw)}
	}
}

func decodeNumber(n json.Number) (any, error) {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, &errors.DecodingError{Reason: "invalid real " + s, Err: err}
		}
		return f, nil
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, &errors.DecodingError{Reason: "integer out of range " + s, Err: err}
	}
	return i, nil
}

func decodeMapping(m map[string]any) (any, error) {
	if raw, ok := m[BytesTag]; ok {
		if len(m) != 1 {
			return nil, &errors.DecodingError{Reason: BytesTag + " must be the only key"}
		}
		s, ok := raw.(string)
		if !ok {
			return nil, &errors.DecodingError{Reason: BytesTag + " value must be a string"}
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, &errors.DecodingError{Reason: "invalid base64", Err: err}
		}
		return b, nil
	}

	out := make(map[string]any, len(m))
	for k, raw := range m {
		key := k
		if strings.HasPrefix(k, "$") {
			if !strings.HasPrefix(k, "$$") {
				return nil, &errors.DecodingError{Reason: fmt.Sprintf("unknown tag %q", k)}
			}
			key = k[1:]
		}
		v, err := fromWire(raw)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}
