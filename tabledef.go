package store

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/iancoleman/strcase"
	"gopkg.in/guregu/null.v4"
)

// IDField is the logical name under which the primary key is exposed on documents.
const IDField = "_id"

type FieldKind int

const (
	KindScalar FieldKind = iota
	KindBool
	// KindRef is a single foreign key stored as a scalar column.
	KindRef
	// KindRefSet is a list of foreign keys stored as a JSON array in one column.
	KindRefSet
	KindJSONArray
	KindJSONObject
)

func (k FieldKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindRef:
		return "ref"
	case KindRefSet:
		return "refset"
	case KindJSONArray:
		return "json_array"
	case KindJSONObject:
		return "json_object"
	default:
		return "scalar"
	}
}

func (k FieldKind) isJSON() bool {
	return k == KindRefSet || k == KindJSONArray || k == KindJSONObject
}

type Field struct {
	// Name is the logical name used in filters and documents, e.g. "auditor".
	Name string
	// Column is the storage name, e.g. "auditor_id". Defaults to snake_case of Name.
	Column string
	Kind   FieldKind
	// Ref names the model a KindRef or KindRefSet field points to.
	Ref string
	// Embedded maps keys of objects inside a KindJSONArray field to the models they reference,
	// e.g. {"question": "Question"} for answers[].question.
	Embedded map[string]string
	// Hidden fields are left out of projections unless selected with "+name".
	Hidden   bool
	Required bool
	Size     int
	SQLType  string
	GoType   reflect.Type
}

type Schema struct {
	Name        string
	Table       string
	TableSchema string
	KeyColumn   string
	Fields      []Field

	byName   map[string]int
	byColumn map[string]int
}

// Column describes a database column as reported by the driver or the catalog.
type Column struct {
	ColumnName string      `db:"column_name"`
	DataType   string      `db:"data_type"`
	Nullable   bool        `db:"-"`
	IsNullable null.String `db:"is_nullable"`
	Default    null.String `db:"column_default"`
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdent(s string) bool {
	return identPattern.MatchString(s)
}

func (s *Schema) init() error {
	if s.Name == "" {
		return fmt.Errorf("schema requires a model name")
	}
	if s.Table == "" {
		s.Table = strcase.ToSnake(s.Name) + "s"
	}
	if s.KeyColumn == "" {
		s.KeyColumn = "id"
	}

	for _, ident := range []string{s.Table, s.KeyColumn} {
		if !validIdent(ident) {
			return fmt.Errorf("%s: invalid identifier %q", s.Name, ident)
		}
	}
	if s.TableSchema != "" && !validIdent(s.TableSchema) {
		return fmt.Errorf("%s: invalid schema name %q", s.Name, s.TableSchema)
	}

	s.byName = make(map[string]int, len(s.Fields))
	s.byColumn = make(map[string]int, len(s.Fields))
	for i := range s.Fields {
		f := &s.Fields[i]
		if f.Name == "" {
			return fmt.Errorf("%s: field %d has no name", s.Name, i)
		}
		if f.Column == "" {
			f.Column = strcase.ToSnake(f.Name)
		}
		if !validIdent(f.Column) {
			return fmt.Errorf("%s.%s: invalid column %q", s.Name, f.Name, f.Column)
		}
		if f.Name == IDField || strings.EqualFold(f.Column, s.KeyColumn) {
			return fmt.Errorf("%s.%s: collides with the primary key", s.Name, f.Name)
		}
		if (f.Kind == KindRef || f.Kind == KindRefSet) && f.Ref == "" {
			return fmt.Errorf("%s.%s: reference field without target model", s.Name, f.Name)
		}
		for key := range f.Embedded {
			if !validIdent(key) {
				return fmt.Errorf("%s.%s: invalid embedded key %q", s.Name, f.Name, key)
			}
		}
		if _, dup := s.byName[f.Name]; dup {
			return fmt.Errorf("%s: duplicate field %q", s.Name, f.Name)
		}
		if _, dup := s.byColumn[strings.ToLower(f.Column)]; dup {
			return fmt.Errorf("%s: duplicate column %q", s.Name, f.Column)
		}
		s.byName[f.Name] = i
		s.byColumn[strings.ToLower(f.Column)] = i
	}

	return nil
}

// targets lists the models a field references, directly or through embedded keys.
func (f Field) targets() []string {
	var out []string
	if f.Ref != "" {
		out = append(out, f.Ref)
	}
	keys := make([]string, 0, len(f.Embedded))
	for k := range f.Embedded {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, f.Embedded[k])
	}
	return out
}

func (s *Schema) Field(name string) (*Field, bool) {
	i, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return &s.Fields[i], true
}

func (s *Schema) fieldByColumn(column string) (*Field, bool) {
	i, ok := s.byColumn[strings.ToLower(column)]
	if !ok {
		return nil, false
	}
	return &s.Fields[i], true
}

func (s *Schema) FullTableName(d Dialect) string {
	if s.TableSchema != "" {
		return d.Quote(s.TableSchema) + "." + d.Quote(s.Table)
	}
	return d.Quote(s.Table)
}

func (s *Schema) ColumnNames() []string {
	names := []string{s.KeyColumn}
	for _, f := range s.Fields {
		names = append(names, f.Column)
	}
	return names
}

// DBTable marks a struct as a table definition when embedded:
//
//	type Line struct {
//		store.DBTable `name:"lines" model:"Line"`
//		ID   int64  `db:"id,key"`
//		Name string `json:"name" db:"name,size=120"`
//		Department int64 `json:"department" db:"department_id,ref=Department"`
//	}
type DBTable struct{}

var dbTableType = reflect.TypeOf(DBTable{})

// SchemaOf builds a Schema from struct tags. The json tag gives the logical field name,
// the db tag gives the column name followed by space separated options:
// key, size=N, required, hidden, ref=Model, refs=Model, json, object and
// embed=key:Model|key:Model.
func SchemaOf(model any) (Schema, error) {
	mtyp := reflect.TypeOf(model)
	if mtyp == nil {
		return Schema{}, fmt.Errorf("nil model")
	}
	if mtyp.Kind() == reflect.Ptr {
		mtyp = mtyp.Elem()
	}
	if mtyp.Kind() != reflect.Struct {
		return Schema{}, fmt.Errorf("model must be a struct, got %s", mtyp.Kind())
	}

	sc := Schema{Name: mtyp.Name()}
	keyFound := false
	for i := 0; i < mtyp.NumField(); i++ {
		field := mtyp.Field(i)
		if field.Type == dbTableType {
			sc.Table = field.Tag.Get("name")
			sc.TableSchema = field.Tag.Get("schema")
			if name := field.Tag.Get("model"); name != "" {
				sc.Name = name
			}
			continue
		}
		if !field.IsExported() {
			continue
		}

		dbTag, hasDB := field.Tag.Lookup("db")
		if dbTag == "-" {
			continue
		}

		tag := parseDBTag(dbTag)
		name := jsonName(field)
		if name == "-" {
			continue
		}

		if tag.isKey || name == IDField {
			if keyFound {
				return Schema{}, fmt.Errorf("%s: cannot have more than 1 key", sc.Name)
			}
			keyFound = true
			sc.KeyColumn = tag.name
			if sc.KeyColumn == "" {
				sc.KeyColumn = "id"
			}
			continue
		}

		f := Field{
			Name:     name,
			Column:   tag.name,
			Hidden:   tag.hidden,
			Required: tag.required,
			Size:     tag.size,
			GoType:   field.Type,
			Ref:      tag.ref,
			Embedded: tag.embed,
		}
		if !hasDB || f.Column == "" {
			f.Column = strcase.ToSnake(name)
		}
		f.Kind = inferKind(field.Type, tag)
		sc.Fields = append(sc.Fields, f)
	}

	return sc, nil
}

func jsonName(field reflect.StructField) string {
	if tag, ok := field.Tag.Lookup("json"); ok {
		name := strings.TrimSpace(strings.Split(tag, ",")[0])
		if name != "" {
			return name
		}
	}
	return strcase.ToLowerCamel(field.Name)
}

func inferKind(t reflect.Type, tag dbTag) FieldKind {
	switch {
	case tag.refs:
		return KindRefSet
	case tag.ref != "":
		return KindRef
	case tag.object:
		return KindJSONObject
	case tag.json:
		return KindJSONArray
	}

	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Bool:
		return KindBool
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return KindScalar
		}
		return KindJSONArray
	case reflect.Map:
		return KindJSONObject
	case reflect.Struct:
		if t.Name() == "Time" || strings.HasPrefix(t.Name(), "Null") || t.PkgPath() == "gopkg.in/guregu/null.v4" {
			return KindScalar
		}
		return KindJSONObject
	default:
		return KindScalar
	}
}
