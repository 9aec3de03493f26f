package store

import (
	"strings"
)

// compileUpdate turns an update document into a SET list. Plain keys and $set assign,
// $unset writes NULL and $inc adds to the current value. Only named fields appear in
// the SET list. An empty update compiles to "".
func compileUpdate(d Dialect, s *Schema, update any) (string, []any, error) {
	elems, ok := entries(update)
	if !ok {
		return "", nil, compileErrorf("update", "must be a document, got %T", update)
	}

	var (
		sets   []string
		params []any
		seen   = map[string]bool{}
	)

	assign := func(op, key string, value any) error {
		path := key
		if op != "" {
			path = op + "." + key
		}
		if key == IDField {
			return compileErrorf(path, "primary key cannot be updated")
		}
		f, ok := s.Field(key)
		if !ok {
			return compileErrorf(path, "unknown field on %s", s.Name)
		}
		if seen[key] {
			return compileErrorf(path, "field updated twice")
		}
		seen[key] = true

		col := d.Quote(f.Column)
		switch op {
		case "$unset":
			sets = append(sets, col+" = NULL")
		case "$inc":
			if !isNumber(value) || f.Kind != KindScalar {
				return compileErrorf(path, "$inc needs a numeric value on a scalar field")
			}
			sets = append(sets, col+" = COALESCE("+col+", 0) + ?")
			params = append(params, normalizeNumber(value))
		default:
			v, err := columnValue(f, value)
			if err != nil {
				return err
			}
			sets = append(sets, col+" = ?")
			params = append(params, v)
		}
		return nil
	}

	for _, e := range elems {
		switch {
		case e.Key == "$set" || e.Key == "$unset" || e.Key == "$inc":
			inner, ok := entries(e.Value)
			if !ok {
				return "", nil, compileErrorf(e.Key, "expects a document")
			}
			for _, ie := range inner {
				if err := assign(e.Key, ie.Key, ie.Value); err != nil {
					return "", nil, err
				}
			}
		case strings.HasPrefix(e.Key, "$"):
			return "", nil, compileErrorf(e.Key, "unsupported update operator")
		default:
			if err := assign("", e.Key, e.Value); err != nil {
				return "", nil, err
			}
		}
	}

	return strings.Join(sets, ", "), params, nil
}
