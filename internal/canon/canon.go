// Package canon turns arbitrary Go values into a stable text form used as
// cache identity. Two values produce the same text iff they are deeply
// structurally equal, including graphs with shared or cyclic references.
package canon

import (
	"encoding"
	"encoding/base64"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

var textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()

// ident is the identity of a reference value within one serialization.
type ident struct {
	typ reflect.Type
	ptr uintptr
	n   int
}

type walker struct {
	b     strings.Builder
	seen  map[ident]int
	used  map[int]bool
	final bool
}

// String returns the canonical text of v.
//
// Map entries and struct fields are sorted, slices keep their order. A
// pointer, map or slice reached a second time by identity is written as a
// back-reference (#n) to its first occurrence, so cycles terminate.
func String(v any) string {
	// first pass finds which references are actually shared
	probe := &walker{seen: make(map[ident]int), used: make(map[int]bool)}
	probe.value(reflect.ValueOf(v))
	if len(probe.used) == 0 {
		return probe.b.String()
	}
	w := &walker{seen: make(map[ident]int), used: probe.used, final: true}
	w.value(reflect.ValueOf(v))
	return w.b.String()
}

// Hash reduces s with a djb2-xor rolling hash (seed 5381, multiplier 33),
// walking from the last byte. Collisions are possible; use String for identity.
func Hash(s string) uint32 {
	h := uint32(5381)
	for i := len(s); i > 0; {
		i--
		h = (h * 33) ^ uint32(s[i])
	}
	return h
}

// Of is Hash(String(v)).
func Of(v any) uint32 { return Hash(String(v)) }

func identOf(v reflect.Value) (ident, bool) {
	switch v.Kind() {
	case reflect.Pointer, reflect.Map:
		return ident{typ: v.Type(), ptr: v.Pointer()}, true
	case reflect.Slice:
		if v.Len() == 0 {
			return ident{}, false
		}
		return ident{typ: v.Type(), ptr: v.Pointer(), n: v.Len()}, true
	}
	return ident{}, false
}

func (w *walker) value(v reflect.Value) {
	if !v.IsValid() {
		w.b.WriteString("null")
		return
	}
	if v.Type().Implements(textMarshalerType) && v.Kind() != reflect.Interface {
		if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Map || v.Kind() == reflect.Slice) && v.IsNil() {
			w.b.WriteString("null")
			return
		}
		if txt, err := v.Interface().(encoding.TextMarshaler).MarshalText(); err == nil {
			w.b.WriteString(strconv.Quote(string(txt)))
			return
		}
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			w.b.WriteString("null")
			return
		}
		w.value(v.Elem())
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if v.IsNil() {
			w.b.WriteString("null")
			return
		}
		if id, ok := identOf(v); ok {
			if n, seen := w.seen[id]; seen {
				w.used[n] = true
				w.b.WriteString("#" + strconv.Itoa(n))
				return
			}
			n := len(w.seen)
			w.seen[id] = n
			if w.final && w.used[n] {
				w.b.WriteString("#" + strconv.Itoa(n))
			}
		}
		switch v.Kind() {
		case reflect.Pointer:
			w.value(v.Elem())
		case reflect.Map:
			w.mapValue(v)
		default:
			w.list(v)
		}
	case reflect.Array:
		w.list(v)
	case reflect.Struct:
		w.structValue(v)
	case reflect.String:
		w.b.WriteString(strconv.Quote(v.String()))
	case reflect.Bool:
		w.b.WriteString(strconv.FormatBool(v.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		w.b.WriteString(strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		w.b.WriteString(strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		w.b.WriteString(strconv.FormatFloat(v.Float(), 'g', -1, 64))
	case reflect.Complex64, reflect.Complex128:
		w.b.WriteString(strconv.FormatComplex(v.Complex(), 'g', -1, 128))
	default:
		// funcs, chans and unsafe pointers carry no comparable structure
		w.b.WriteString("null")
	}
}

func (w *walker) list(v reflect.Value) {
	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
		w.b.WriteString(strconv.Quote(base64.StdEncoding.EncodeToString(v.Bytes())))
		return
	}
	w.b.WriteByte('[')
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			w.b.WriteByte(',')
		}
		w.value(v.Index(i))
	}
	w.b.WriteByte(']')
}

type entry struct {
	name string
	val  reflect.Value
}

func (w *walker) mapValue(v reflect.Value) {
	entries := make([]entry, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k := iter.Key()
		var name string
		if k.Kind() == reflect.String {
			name = strconv.Quote(k.String())
		} else {
			name = String(k.Interface())
		}
		entries = append(entries, entry{name: name, val: iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	w.object(entries)
}

func (w *walker) structValue(v reflect.Value) {
	t := v.Type()
	entries := make([]entry, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tn, _, _ := strings.Cut(tag, ",")
			if tn == "-" {
				continue
			}
			if tn != "" {
				name = tn
			}
		}
		entries = append(entries, entry{name: strconv.Quote(name), val: v.Field(i)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	w.object(entries)
}

func (w *walker) object(entries []entry) {
	w.b.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			w.b.WriteByte(',')
		}
		w.b.WriteString(e.name)
		w.b.WriteByte(':')
		w.value(e.val)
	}
	w.b.WriteByte('}')
}
