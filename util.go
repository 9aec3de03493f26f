package store

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type dbTag struct {
	name     string
	size     int
	isKey    bool
	required bool
	hidden   bool
	json     bool
	object   bool
	refs     bool
	ref      string
	embed    map[string]string
}

func parseDBTag(value string) dbTag {
	var tag dbTag
	tagArr := strings.SplitN(value, ",", 2)
	tag.name = strings.TrimSpace(tagArr[0])
	if len(tagArr) < 2 {
		return tag
	}

	for _, v := range strings.Fields(tagArr[1]) {
		varr := strings.SplitN(v, "=", 2)
		key := strings.ToLower(strings.TrimSpace(varr[0]))
		val := ""
		if len(varr) > 1 {
			val = strings.TrimSpace(varr[1])
		}

		switch key {
		case "key":
			tag.isKey = true
		case "required":
			tag.required = true
		case "hidden":
			tag.hidden = true
		case "json":
			tag.json = true
		case "object":
			tag.object = true
		case "size":
			tag.size, _ = strconv.Atoi(val)
		case "ref":
			tag.ref = val
		case "refs":
			tag.refs = true
			tag.ref = val
		case "embed":
			tag.json = true
			tag.embed = make(map[string]string)
			for _, pair := range strings.Split(val, "|") {
				kv := strings.SplitN(pair, ":", 2)
				if len(kv) == 2 {
					tag.embed[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
				}
			}
		}
	}

	return tag
}

func Map[In any, Out any](list []In, mapFn func(val In) Out) []Out {
	var newSlice = make([]Out, len(list))
	for i, val := range list {
		newSlice[i] = mapFn(val)
	}

	return newSlice
}

func SliceContains[T comparable](list []T, val T) bool {
	for _, item := range list {
		if item == val {
			return true
		}
	}

	return false
}

func Filter[T any](slice []T, filterFunc func(val T) bool) []T {
	var newSlice []T
	for i, val := range slice {
		if filterFunc(val) {
			newSlice = append(newSlice, slice[i])
		}
	}

	return newSlice
}

func SplitBatch[T any](list []T, chunk int) [][]T {
	if chunk <= 0 || len(list) == 0 {
		return [][]T{list}
	}

	total := len(list)
	rem := total % chunk
	batch := total / chunk

	if rem > 0 {
		batch++
	}

	var newList = make([][]T, batch)
	start := 0
	end := chunk
	for i := 0; i < batch; i++ {
		if end > total {
			end = total
		}

		newList[i] = list[start:end]
		start += chunk
		end += chunk
	}

	return newList
}

// entries turns a filter or update document into an ordered key/value list.
// bson.D keeps its order; maps are walked in sorted key order so compiled SQL is stable.
func entries(doc any) ([]bson.E, bool) {
	switch d := doc.(type) {
	case nil:
		return nil, true
	case bson.D:
		return d, true
	case bson.M:
		return sortedEntries(d), true
	case map[string]any:
		return sortedEntries(d), true
	case Document:
		return sortedEntries(d), true
	default:
		return nil, false
	}
}

func sortedEntries(m map[string]any) []bson.E {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]bson.E, len(keys))
	for i, k := range keys {
		out[i] = bson.E{Key: k, Value: m[k]}
	}
	return out
}

func isDocument(v any) bool {
	switch v.(type) {
	case bson.D, bson.M, map[string]any, Document:
		return true
	}
	return false
}

// asSlice returns the elements of any slice or array value except []byte.
func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case nil:
		return nil, false
	case []any:
		return s, true
	case bson.A:
		return s, true
	case []byte, string, bson.D:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}

	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func isRegex(v any) (primitive.Regex, bool) {
	switch r := v.(type) {
	case primitive.Regex:
		return r, true
	case *primitive.Regex:
		if r != nil {
			return *r, true
		}
	}
	return primitive.Regex{}, false
}

// normalizeNumber collapses the numeric types produced by drivers and JSON decoding:
// integral values become int64, the rest float64.
func normalizeNumber(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n)
		}
		return float64(n)
	case float32:
		return normalizeNumber(float64(n))
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n)
		}
		return n
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	}
	return v
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return true
	}
	return false
}

// idKey canonicalizes a key so 7, int64(7), 7.0 and "7" land on the same map entry.
// A populated document resolves to its own _id.
func idKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case Document:
		return idKey(t[IDField])
	case map[string]any:
		return idKey(t[IDField])
	}

	switch n := normalizeNumber(v).(type) {
	case int64:
		return strconv.FormatInt(n, 10)
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	default:
		return fmt.Sprint(n)
	}
}
