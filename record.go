package store

import (
	"context"
	"encoding/json"
)

// Record is an entity instance bound to its model. Its document is a private copy:
// changes made through one record never show up in another.
type Record struct {
	model    *Model
	doc      Document
	fields   []*Field
	isNew    bool
	detached bool
}

func (r *Record) ID() any {
	return r.doc[IDField]
}

func (r *Record) IsNew() bool {
	return r.isNew
}

func (r *Record) Model() *Model {
	return r.model
}

// Get returns a field value. Populated references come back as Documents.
func (r *Record) Get(name string) any {
	return r.doc[name]
}

// Set assigns a copy of value to a field in memory. It is written by the next Save.
func (r *Record) Set(name string, value any) error {
	if name == IDField {
		return compileErrorf(name, "primary key is generated by the database")
	}
	f, ok := r.model.schema.Field(name)
	if !ok {
		return compileErrorf(name, "unknown field on %s", r.model.schema.Name)
	}
	r.doc[name] = cloneValue(value)
	if r.fields != nil && !SliceContains(r.fields, f) {
		r.fields = append(r.fields, f)
	}
	return nil
}

// Doc returns a deep copy of the record's document.
func (r *Record) Doc() Document {
	return r.doc.Clone()
}

// Decode copies the document into dst, a pointer to a struct tagged with json names.
func (r *Record) Decode(dst any) error {
	return decodeDocument(r.doc, dst)
}

func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.doc)
}

// Save inserts a new record, or writes every loaded field of an existing one. A
// record read with Lean or returned by FindByIdAndDelete cannot be saved.
func (r *Record) Save(ctx context.Context, options ...QueryOption) error {
	if r.detached || r.model == nil {
		return ErrDetached
	}

	m := r.model
	opt := newQueryOption(options)
	if r.isNew {
		doc := r.doc.Clone()
		delete(doc, IDField)
		if err := m.checkWritable(doc, false); err != nil {
			return err
		}
		saved, err := m.insert(ctx, m.conn(opt), doc)
		if err != nil {
			return err
		}
		r.doc = saved.doc
		r.fields = saved.fields
		r.isNew = false
		return nil
	}

	return m.saveRecord(ctx, m.conn(opt), r)
}

// Populate hydrates the space separated reference paths on this record in place.
func (r *Record) Populate(ctx context.Context, paths string, options ...QueryOption) error {
	if r.model == nil {
		return ErrDetached
	}
	return r.model.Populate(ctx, []*Record{r}, paths, options...)
}
