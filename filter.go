package store

import (
	"fmt"
	"reflect"

	"go.mongodb.org/mongo-driver/bson"
)

// FilterFrom builds an equality filter from a request struct whose json tags name
// fields of the model. Nil pointers and empty slices are skipped, a one element slice
// compares for equality and longer slices become $in.
func (m *Model) FilterFrom(req any) (bson.D, error) {
	rv := reflect.ValueOf(req)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expecting a struct, got %T", req)
	}

	rt := rv.Type()
	filter := bson.D{}
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := jsonName(sf)
		if name == "" {
			continue
		}
		if _, ok := m.schema.Field(name); !ok && name != IDField {
			continue
		}

		fv := rv.Field(i)
		if fv.Kind() == reflect.Ptr {
			if fv.IsNil() {
				continue
			}
			fv = fv.Elem()
		}

		if fv.Kind() != reflect.Slice {
			filter = append(filter, bson.E{Key: name, Value: fv.Interface()})
			continue
		}

		switch fv.Len() {
		case 0:
		case 1:
			filter = append(filter, bson.E{Key: name, Value: fv.Index(0).Interface()})
		default:
			filter = append(filter, bson.E{Key: name, Value: bson.M{"$in": fv.Interface()}})
		}
	}

	return filter, nil
}
