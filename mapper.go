package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"go.mongodb.org/mongo-driver/bson"
)

// Document is the in-memory form of an entity: logical field names mapped to values,
// with the primary key under "_id".
type Document map[string]any

func (d Document) ID() any {
	return d[IDField]
}

// Clone returns a deep copy; nested documents and arrays are copied too.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneValue(d).(Document)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Document:
		out := make(Document, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case bson.M:
		out := make(bson.M, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if c := cloneValue(rv.Index(i).Interface()); c != nil {
				out.Index(i).Set(reflect.ValueOf(c))
			}
		}
		return out.Interface()
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			val := reflect.Zero(rv.Type().Elem())
			if c := cloneValue(iter.Value().Interface()); c != nil {
				val = reflect.ValueOf(c)
			}
			out.SetMapIndex(iter.Key(), val)
		}
		return out.Interface()
	default:
		return v
	}
}

// mapRow turns a raw row into a Document. It never performs I/O. JSON columns that
// are null, empty or malformed decode to an empty container; the names of malformed
// fields are returned so the caller can report them.
func mapRow(s *Schema, row Row) (Document, []string) {
	doc := make(Document, len(row))
	var malformed []string

	for col, raw := range row {
		if strings.EqualFold(col, s.KeyColumn) {
			doc[IDField] = normalizeScalar(raw)
			continue
		}

		f, ok := s.fieldByColumn(col)
		if !ok {
			doc[col] = normalizeScalar(raw)
			continue
		}

		switch f.Kind {
		case KindBool:
			doc[f.Name] = toBool(raw)
		case KindRefSet, KindJSONArray, KindJSONObject:
			v, bad := decodeJSONColumn(f.Kind, raw)
			if bad {
				malformed = append(malformed, f.Name)
			}
			doc[f.Name] = v
		default:
			doc[f.Name] = normalizeScalar(raw)
		}
	}

	return doc, malformed
}

func normalizeScalar(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t
	}
	return normalizeNumber(v)
}

func toBool(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		return t
	case []byte:
		return toBool(string(t))
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b
		}
		return t
	}
	if isNumber(v) {
		return normalizeNumber(v) != int64(0)
	}
	return v
}

func emptyContainer(kind FieldKind) any {
	if kind == KindJSONObject {
		return Document{}
	}
	return []any{}
}

func decodeJSONColumn(kind FieldKind, raw any) (any, bool) {
	var text string
	switch t := raw.(type) {
	case nil:
		return emptyContainer(kind), false
	case string:
		text = t
	case []byte:
		text = string(t)
	default:
		return emptyContainer(kind), true
	}

	text = strings.TrimSpace(text)
	if text == "" || text == "null" {
		return emptyContainer(kind), false
	}

	var v any
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil || dec.More() {
		return emptyContainer(kind), true
	}

	v = fromJSON(v)
	switch v.(type) {
	case []any:
		if kind == KindJSONObject {
			return emptyContainer(kind), true
		}
	case Document:
		if kind != KindJSONObject {
			return emptyContainer(kind), true
		}
	default:
		return emptyContainer(kind), true
	}
	return v, false
}

// fromJSON normalizes decoded JSON: objects become Documents, numbers int64 or float64.
func fromJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		doc := make(Document, len(t))
		for k, val := range t {
			doc[k] = fromJSON(val)
		}
		return doc
	case []any:
		for i, val := range t {
			t[i] = fromJSON(val)
		}
		return t
	case json.Number:
		return normalizeNumber(t)
	}
	return v
}

// toDocument accepts the shapes callers pass as data: Document, maps, bson.D and
// structs (decoded through their json tags).
func toDocument(data any) (Document, error) {
	switch d := data.(type) {
	case nil:
		return Document{}, nil
	case Document:
		return d, nil
	case map[string]any:
		return Document(d), nil
	case bson.M:
		return Document(d), nil
	case bson.D:
		doc := make(Document, len(d))
		for _, e := range d {
			doc[e.Key] = e.Value
		}
		return doc, nil
	case *Record:
		return d.Doc(), nil
	}

	rv := reflect.Indirect(reflect.ValueOf(data))
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("cannot use %T as a document", data)
	}
	return structDocument(rv), nil
}

// structDocument reads exported fields under their json names. Zero primary keys and
// zero fields tagged omitempty are left out.
func structDocument(rv reflect.Value) Document {
	rt := rv.Type()
	doc := make(Document, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() || sf.Type == dbTableType {
			continue
		}
		name := jsonName(sf)
		if name == "-" {
			continue
		}

		fv := rv.Field(i)
		if fv.IsZero() && (name == IDField || strings.Contains(sf.Tag.Get("json"), "omitempty")) {
			continue
		}
		if fv.Kind() == reflect.Ptr {
			if fv.IsNil() {
				doc[name] = nil
				continue
			}
			fv = fv.Elem()
		}
		doc[name] = fv.Interface()
	}
	return doc
}

// decodeDocument copies a document into a struct through json tags.
func decodeDocument(doc Document, dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           dst,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(doc))
}

// columnValue converts a document value into what is bound for the column of f.
// Populated references collapse back to their ids; array and object fields are
// serialized to JSON text.
func columnValue(f *Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch f.Kind {
	case KindRef:
		if isDocument(v) {
			id, ok := refID(v)
			if !ok {
				return nil, compileErrorf(f.Name, "referenced document has no %s", IDField)
			}
			return scalarParam(id), nil
		}
		return scalarValue(f, v)
	case KindRefSet:
		values, err := jsonArrayValue(f, v)
		if err != nil {
			return nil, err
		}
		ids := make([]any, len(values))
		for i, el := range values {
			if isDocument(el) {
				id, ok := refID(el)
				if !ok {
					return nil, compileErrorf(f.Name, "referenced document has no %s", IDField)
				}
				el = id
			}
			ids[i] = scalarParam(el)
		}
		return marshalJSON(f, ids)
	case KindJSONArray:
		values, err := jsonArrayValue(f, v)
		if err != nil {
			return nil, err
		}
		return marshalJSON(f, depopulateEmbedded(f, values))
	case KindJSONObject:
		if s, ok := v.(string); ok {
			return validJSON(f, s, '{')
		}
		return marshalJSON(f, v)
	case KindBool:
		if b, ok := toBool(v).(bool); ok {
			return b, nil
		}
		return nil, compileErrorf(f.Name, "expects a boolean, got %T", v)
	default:
		return scalarValue(f, v)
	}
}

func scalarValue(f *Field, v any) (any, error) {
	if isDocument(v) {
		return nil, compileErrorf(f.Name, "cannot store a document in a scalar column")
	}
	if _, isSlice := asSlice(v); isSlice {
		return nil, compileErrorf(f.Name, "cannot store an array in a scalar column")
	}
	return scalarParam(v), nil
}

func jsonArrayValue(f *Field, v any) ([]any, error) {
	if s, ok := v.(string); ok {
		decoded, bad := decodeJSONColumn(KindJSONArray, s)
		if bad {
			return nil, compileErrorf(f.Name, "expects a JSON array")
		}
		return decoded.([]any), nil
	}
	values, ok := asSlice(v)
	if !ok {
		return nil, compileErrorf(f.Name, "expects an array, got %T", v)
	}
	return values, nil
}

// depopulateEmbedded copies array elements into plain maps, replacing populated
// documents under embedded reference keys with their ids.
func depopulateEmbedded(f *Field, values []any) []any {
	out := make([]any, len(values))
	for i, el := range values {
		elems, ok := entries(el)
		if !ok {
			out[i] = el
			continue
		}
		copied := make(map[string]any, len(elems))
		for _, e := range elems {
			copied[e.Key] = e.Value
			if _, embedded := f.Embedded[e.Key]; embedded && isDocument(e.Value) {
				if id, ok := refID(e.Value); ok {
					copied[e.Key] = id
				}
			}
		}
		out[i] = copied
	}
	return out
}

func marshalJSON(f *Field, v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", compileErrorf(f.Name, "cannot serialize: %s", err.Error())
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func validJSON(f *Field, s string, open byte) (string, error) {
	trimmed := strings.TrimSpace(s)
	if !json.Valid([]byte(trimmed)) || len(trimmed) == 0 || trimmed[0] != open {
		return "", compileErrorf(f.Name, "expects JSON text")
	}
	return trimmed, nil
}
