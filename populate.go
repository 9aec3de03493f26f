package store

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// Resolver batch-fetches referenced entities by id. The returned map is keyed by
// idKey of each document's _id. Every registered Model is a Resolver for itself;
// Store.RegisterResolver installs others.
type Resolver interface {
	Resolve(ctx context.Context, q Querier, ids []any, fields string) (map[string]Document, error)
}

var _ Resolver = (*Model)(nil)

// Resolve fetches the documents with the given ids in one query per batch.
func (m *Model) Resolve(ctx context.Context, q Querier, ids []any, fields string) (map[string]Document, error) {
	found := make(map[string]Document, len(ids))
	for _, batch := range SplitBatch(ids, m.store.batchSize) {
		if len(batch) == 0 {
			continue
		}
		query := m.Find(bson.D{{Key: IDField, Value: bson.D{{Key: "$in", Value: batch}}}})
		if fields != "" {
			query.Select(fields)
		}
		query.conn = q

		docs, err := query.Docs(ctx)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			found[idKey(doc[IDField])] = doc
		}
	}
	return found, nil
}

// Populate hydrates the space separated paths on already fetched records in place.
// Pass WithTransaction for records read inside a transaction.
func (m *Model) Populate(ctx context.Context, records []*Record, paths string, options ...QueryOption) error {
	docs := make([]Document, 0, len(records))
	for _, r := range records {
		if r != nil {
			docs = append(docs, r.doc)
		}
	}

	conn := m.conn(newQueryOption(options))
	for _, p := range strings.Fields(paths) {
		if err := m.checkPath(p); err != nil {
			return err
		}
		if err := m.populate(ctx, conn, docs, populateSpec{path: p}); err != nil {
			return err
		}
	}
	return nil
}

// slot is one place in a document that holds a reference id.
type slot struct {
	id  any
	set func(doc Document)
}

// checkPath validates a populate path against the registered models.
func (m *Model) checkPath(path string) error {
	segs := strings.Split(path, ".")
	cur := m
	for len(segs) > 0 {
		f, ok := cur.schema.Field(segs[0])
		if !ok {
			return compileErrorf("populate."+path, "unknown field %s on %s", segs[0], cur.schema.Name)
		}
		segs = segs[1:]

		var target string
		switch f.Kind {
		case KindRef, KindRefSet:
			target = f.Ref
		case KindJSONArray:
			if len(segs) == 0 {
				return compileErrorf("populate."+path, "%s needs an embedded key", f.Name)
			}
			target = f.Embedded[segs[0]]
			if target == "" {
				return compileErrorf("populate."+path, "%s.%s is not a reference", f.Name, segs[0])
			}
			segs = segs[1:]
		default:
			return compileErrorf("populate."+path, "%s is not a reference", f.Name)
		}

		if len(segs) == 0 {
			return nil
		}
		next, err := m.store.Model(target)
		if err != nil {
			return compileErrorf("populate."+path, "cannot descend into %s: %s", target, err.Error())
		}
		cur = next
	}
	return nil
}

func (m *Model) populate(ctx context.Context, conn Querier, docs []Document, spec populateSpec) error {
	return m.populateSegments(ctx, conn, docs, strings.Split(spec.path, "."), spec.fields)
}

func (m *Model) populateSegments(ctx context.Context, conn Querier, docs []Document, segs []string, fields string) error {
	f, ok := m.schema.Field(segs[0])
	if !ok {
		return compileErrorf("populate", "unknown field %s on %s", segs[0], m.schema.Name)
	}
	rest := segs[1:]

	var (
		target string
		slots  []slot
		nested []Document
	)
	switch f.Kind {
	case KindRef:
		target = f.Ref
		slots, nested = refSlots(f, docs)
	case KindRefSet:
		target = f.Ref
		slots, nested = refSetSlots(f, docs)
	case KindJSONArray:
		if len(rest) == 0 {
			return compileErrorf("populate", "%s needs an embedded key", f.Name)
		}
		key := rest[0]
		target = f.Embedded[key]
		if target == "" {
			return compileErrorf("populate", "%s.%s is not a reference", f.Name, key)
		}
		rest = rest[1:]
		slots, nested = embeddedSlots(f, key, docs)
	default:
		return compileErrorf("populate", "%s is not a reference", f.Name)
	}

	hint := fields
	if len(rest) > 0 {
		hint = ""
	}
	resolved, err := m.resolveSlots(ctx, conn, target, slots, hint)
	if err != nil {
		return err
	}

	if len(rest) == 0 {
		return nil
	}
	next, err := m.store.Model(target)
	if err != nil {
		return err
	}
	return next.populateSegments(ctx, conn, append(nested, resolved...), rest, fields)
}

// resolveSlots fetches every distinct id across slots with one Resolve call and
// writes a private copy of each found document into its slot. Slots whose target is
// missing keep their id.
func (m *Model) resolveSlots(ctx context.Context, conn Querier, target string, slots []slot, fields string) ([]Document, error) {
	if len(slots) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(slots))
	var ids []any
	for _, s := range slots {
		k := idKey(s.id)
		if seen[k] {
			continue
		}
		seen[k] = true
		ids = append(ids, s.id)
	}

	resolver, err := m.store.resolver(target)
	if err != nil {
		return nil, err
	}
	found, err := resolver.Resolve(ctx, conn, ids, fields)
	if err != nil {
		return nil, err
	}

	missing := map[string]bool{}
	var out []Document
	for _, s := range slots {
		k := idKey(s.id)
		doc, ok := found[k]
		if !ok {
			missing[k] = true
			continue
		}
		c := doc.Clone()
		s.set(c)
		out = append(out, c)
	}

	for k := range missing {
		m.store.log.Warn().
			Str("model", m.schema.Name).
			Str("target", target).
			Str("id", k).
			Msg("referenced document not found, keeping id")
	}
	return out, nil
}

func refSlots(f *Field, docs []Document) ([]slot, []Document) {
	var (
		slots  []slot
		nested []Document
	)
	for _, doc := range docs {
		v := doc[f.Name]
		switch {
		case v == nil:
		case isDocument(v):
			if d, ok := v.(Document); ok {
				nested = append(nested, d)
			}
		default:
			doc := doc
			slots = append(slots, slot{id: v, set: func(d Document) { doc[f.Name] = d }})
		}
	}
	return slots, nested
}

func refSetSlots(f *Field, docs []Document) ([]slot, []Document) {
	var (
		slots  []slot
		nested []Document
	)
	for _, doc := range docs {
		values, ok := doc[f.Name].([]any)
		if !ok {
			continue
		}
		for i, v := range values {
			switch {
			case v == nil:
			case isDocument(v):
				if d, ok := v.(Document); ok {
					nested = append(nested, d)
				}
			default:
				values, i := values, i
				slots = append(slots, slot{id: v, set: func(d Document) { values[i] = d }})
			}
		}
	}
	return slots, nested
}

func embeddedSlots(f *Field, key string, docs []Document) ([]slot, []Document) {
	var (
		slots  []slot
		nested []Document
	)
	for _, doc := range docs {
		values, ok := doc[f.Name].([]any)
		if !ok {
			continue
		}
		for _, el := range values {
			var holder map[string]any
			switch t := el.(type) {
			case Document:
				holder = t
			case map[string]any:
				holder = t
			default:
				continue
			}

			v := holder[key]
			switch {
			case v == nil:
			case isDocument(v):
				if d, ok := v.(Document); ok {
					nested = append(nested, d)
				}
			default:
				slots = append(slots, slot{id: v, set: func(d Document) { holder[key] = d }})
			}
		}
	}
	return slots, nested
}
