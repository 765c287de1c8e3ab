package in_toto

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

/*
EncodeCanonical returns a deterministic byte representation of obj,
suitable for signing or hashing. It implements the canonical JSON dialect
described in spec.md §4.1:

  - object keys are emitted in lexicographic order of their UTF-8 bytes
  - strings are minimally escaped: only `"` and `\` are backslash-escaped,
    control characters (U+0000-U+001F) are escaped as `\u00xx`, and no
    other character is escaped
  - integers have no leading zeros and no decimal point; floats with a
    fractional part are rejected
  - arrays preserve their declared order
  - no whitespace is emitted between tokens

Only JSON-representable shapes are supported: nil, bool, string, integer-
valued numbers, maps with string keys, slices/arrays, and structs (encoded
using their `json` struct tags, falling back to the field name). Any other
value, or a float with a nonzero fractional part, is rejected rather than
silently coerced.
*/
func EncodeCanonical(obj interface{}) ([]byte, error) {
	var sb strings.Builder
	if err := encodeCanonicalValue(reflect.ValueOf(obj), &sb); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func encodeCanonicalValue(v reflect.Value, sb *strings.Builder) error {
	if !v.IsValid() {
		sb.WriteString("null")
		return nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Ptr:
		if v.IsNil() {
			sb.WriteString("null")
			return nil
		}
		return encodeCanonicalValue(v.Elem(), sb)

	case reflect.Bool:
		if v.Bool() {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
		return nil

	case reflect.String:
		return encodeCanonicalString(v.String(), sb)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		sb.WriteString(strconv.FormatInt(v.Int(), 10))
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		sb.WriteString(strconv.FormatUint(v.Uint(), 10))
		return nil

	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if f != float64(int64(f)) {
			return fmt.Errorf("cannot canonicalize non-integral float %v: floats are not permitted in payloads", f)
		}
		sb.WriteString(strconv.FormatInt(int64(f), 10))
		return nil

	case reflect.Map:
		return encodeCanonicalMap(v, sb)

	case reflect.Slice, reflect.Array:
		return encodeCanonicalSlice(v, sb)

	case reflect.Struct:
		return encodeCanonicalStruct(v, sb)

	default:
		return fmt.Errorf("cannot canonicalize value of kind %s", v.Kind())
	}
}

func encodeCanonicalString(s string, sb *strings.Builder) error {
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		default:
			if r < 0x20 {
				fmt.Fprintf(sb, `\u%04x`, r)
			} else {
				sb.WriteRune(r)
			}
		}
	}
	sb.WriteByte('"')
	return nil
}

func encodeCanonicalMap(v reflect.Value, sb *strings.Builder) error {
	if v.Type().Key().Kind() != reflect.String {
		return fmt.Errorf("cannot canonicalize map with non-string key type %s", v.Type().Key())
	}

	keys := v.MapKeys()
	strKeys := make([]string, len(keys))
	for i, k := range keys {
		strKeys[i] = k.String()
	}
	sort.Strings(strKeys)

	sb.WriteByte('{')
	for i, k := range strKeys {
		if i > 0 {
			sb.WriteByte(',')
		}
		if err := encodeCanonicalString(k, sb); err != nil {
			return err
		}
		sb.WriteByte(':')
		if err := encodeCanonicalValue(v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key())), sb); err != nil {
			return err
		}
	}
	sb.WriteByte('}')
	return nil
}

func encodeCanonicalSlice(v reflect.Value, sb *strings.Builder) error {
	// A nil []byte/[]uint8 still has Kind Slice; treat byte slices as
	// arrays of integers like everything else, since in-toto payloads
	// never carry raw binary.
	sb.WriteByte('[')
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		if err := encodeCanonicalValue(v.Index(i), sb); err != nil {
			return err
		}
	}
	sb.WriteByte(']')
	return nil
}

type canonicalField struct {
	name string
	val  reflect.Value
}

// collectCanonicalFields walks v's fields, recursively flattening embedded
// (anonymous) struct fields into the same slice their enclosing struct's
// fields live in, so that sorting the result by name once yields true
// lexicographic interleaving between an embedded field's keys and its
// parent's own keys (spec.md §4.1: "object keys are emitted in
// lexicographic order of their UTF-8 bytes" — this applies across the
// embedding boundary too, since JSON has no notion of embedding).
func collectCanonicalFields(v reflect.Value) ([]canonicalField, error) {
	t := v.Type()
	var fields []canonicalField
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" && !sf.Anonymous {
			continue // unexported
		}
		tag := sf.Tag.Get("json")
		name := sf.Name
		omitEmpty := false
		inline := false
		if tag != "" {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
			for _, p := range parts[1:] {
				if p == "omitempty" {
					omitEmpty = true
				}
				if p == "inline" {
					inline = true
				}
			}
		}
		fv := v.Field(i)
		if sf.Anonymous && (inline || tag == "") && fv.Kind() == reflect.Struct {
			embedded, err := collectCanonicalFields(fv)
			if err != nil {
				return nil, err
			}
			fields = append(fields, embedded...)
			continue
		}
		if omitEmpty && isEmptyValue(fv) {
			continue
		}
		fields = append(fields, canonicalField{name: name, val: fv})
	}
	return fields, nil
}

func encodeCanonicalStruct(v reflect.Value, sb *strings.Builder) error {
	fields, err := collectCanonicalFields(v)
	if err != nil {
		return err
	}

	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })

	sb.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		if err := encodeCanonicalString(f.name, sb); err != nil {
			return err
		}
		sb.WriteByte(':')
		if err := encodeCanonicalValue(f.val, sb); err != nil {
			return err
		}
	}
	sb.WriteByte('}')
	return nil
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.String, reflect.Array:
		return v.Len() == 0
	case reflect.Map, reflect.Slice:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Ptr:
		return v.IsNil()
	}
	return false
}
