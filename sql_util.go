package store

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

type sortKey struct {
	field string
	desc  bool
}

// parseSort accepts "-createdAt name", []string, bson.D or a single-key map.
// Multi-key maps are rejected because their order is undefined.
func parseSort(s *Schema, spec any) ([]sortKey, error) {
	var keys []sortKey
	switch t := spec.(type) {
	case nil:
		return nil, nil
	case string:
		return parseSorter(s, strings.Fields(t))
	case []string:
		return parseSorter(s, t)
	case bson.D:
		for _, e := range t {
			k, err := sortEntry(s, e.Key, e.Value)
			if err != nil {
				return nil, err
			}
			keys = append(keys, k)
		}
		return keys, nil
	}

	elems, ok := entries(spec)
	if !ok {
		return nil, compileErrorf("sort", "unsupported sort spec %T", spec)
	}
	if len(elems) > 1 {
		return nil, compileErrorf("sort", "a map cannot order more than one key, use bson.D or a string")
	}
	for _, e := range elems {
		k, err := sortEntry(s, e.Key, e.Value)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func parseSorter(s *Schema, sorter []string) ([]sortKey, error) {
	var keys []sortKey
	for _, item := range sorter {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		desc := false
		switch item[0] {
		case '-':
			desc = true
			item = item[1:]
		case '+':
			item = item[1:]
		}
		if err := sortable(s, item); err != nil {
			return nil, err
		}
		keys = append(keys, sortKey{field: item, desc: desc})
	}
	return keys, nil
}

func sortEntry(s *Schema, field string, dir any) (sortKey, error) {
	if err := sortable(s, field); err != nil {
		return sortKey{}, err
	}

	switch v := dir.(type) {
	case string:
		switch strings.ToLower(v) {
		case "asc", "ascending", "1":
			return sortKey{field: field}, nil
		case "desc", "descending", "-1":
			return sortKey{field: field, desc: true}, nil
		}
	default:
		if isNumber(v) {
			switch normalizeNumber(v) {
			case int64(1):
				return sortKey{field: field}, nil
			case int64(-1):
				return sortKey{field: field, desc: true}, nil
			}
		}
	}
	return sortKey{}, compileErrorf("sort."+field, "invalid direction %v", dir)
}

func sortable(s *Schema, field string) error {
	if field == IDField {
		return nil
	}
	f, ok := s.Field(field)
	if !ok {
		return compileErrorf("sort."+field, "unknown field on %s", s.Name)
	}
	if f.Kind.isJSON() {
		return compileErrorf("sort."+field, "cannot sort on a %s field", f.Kind)
	}
	return nil
}

// MakeSortClause renders an ORDER BY list. The primary key is appended as a final
// ascending tiebreaker unless already present, so the order is total.
func MakeSortClause(d Dialect, s *Schema, keys []sortKey) string {
	table := s.FullTableName(d)
	var srt []string
	hasKey := false
	for _, k := range keys {
		col := s.KeyColumn
		if k.field == IDField {
			hasKey = true
		} else if f, ok := s.Field(k.field); ok {
			col = f.Column
		}

		op := "ASC"
		if k.desc {
			op = "DESC"
		}
		srt = append(srt, fmt.Sprintf("%s.%s %s", table, d.Quote(col), op))
	}

	if !hasKey {
		srt = append(srt, fmt.Sprintf("%s.%s ASC", table, d.Quote(s.KeyColumn)))
	}

	return strings.Join(srt, ", ")
}

// projection is the parsed form of Select. include and exclude are mutually exclusive;
// plus names hidden fields requested with "+name".
type projection struct {
	include map[string]bool
	exclude map[string]bool
	plus    map[string]bool
}

func (p *projection) merge(s *Schema, spec any) error {
	if p.include == nil {
		p.include = map[string]bool{}
		p.exclude = map[string]bool{}
		p.plus = map[string]bool{}
	}

	add := func(field string, include bool, plus bool) error {
		if field == IDField {
			if !include {
				return compileErrorf("select", "%s cannot be excluded", IDField)
			}
			return nil
		}
		if _, ok := s.Field(field); !ok {
			return compileErrorf("select."+field, "unknown field on %s", s.Name)
		}
		switch {
		case plus:
			p.plus[field] = true
		case include:
			p.include[field] = true
		default:
			p.exclude[field] = true
		}
		if len(p.include) > 0 && len(p.exclude) > 0 {
			return compileErrorf("select", "cannot mix inclusion and exclusion")
		}
		return nil
	}

	var items []string
	switch t := spec.(type) {
	case nil:
		return nil
	case string:
		items = strings.Fields(t)
	case []string:
		items = t
	default:
		elems, ok := entries(spec)
		if !ok {
			return compileErrorf("select", "unsupported projection %T", spec)
		}
		for _, e := range elems {
			include, err := truthy(e.Value)
			if err != nil {
				return compileErrorf("select."+e.Key, "%s", err.Error())
			}
			if err := add(e.Key, include, false); err != nil {
				return err
			}
		}
		return nil
	}

	for _, item := range items {
		switch {
		case strings.HasPrefix(item, "-"):
			if err := add(item[1:], false, false); err != nil {
				return err
			}
		case strings.HasPrefix(item, "+"):
			if err := add(item[1:], true, true); err != nil {
				return err
			}
		default:
			if err := add(item, true, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func truthy(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	}
	if isNumber(v) {
		return normalizeNumber(v) != int64(0), nil
	}
	return false, fmt.Errorf("projection value must be 0, 1 or a boolean")
}

// fields lists the projected fields in schema order. A nil projection selects every
// field that is not hidden.
func (p *projection) fields(s *Schema) []*Field {
	all := make([]*Field, len(s.Fields))
	for i := range s.Fields {
		all[i] = &s.Fields[i]
	}
	return Filter(all, func(f *Field) bool {
		switch {
		case p != nil && p.plus[f.Name]:
			return true
		case p != nil && len(p.include) > 0:
			return p.include[f.Name]
		case f.Hidden:
			return false
		case p != nil && p.exclude[f.Name]:
			return false
		}
		return true
	})
}

func selectColumns(d Dialect, s *Schema, fields []*Field) string {
	table := s.FullTableName(d)
	cols := []string{table + "." + d.Quote(s.KeyColumn)}
	for _, f := range fields {
		cols = append(cols, table+"."+d.Quote(f.Column))
	}
	return strings.Join(cols, ", ")
}
