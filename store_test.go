package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

type statementLog struct {
	mu  sync.Mutex
	sql []string
}

func (l *statementLog) hook(_ context.Context, ev QueryEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sql = append(l.sql, ev.SQL)
}

func (l *statementLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sql = nil
}

func (l *statementLog) statements() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sql...)
}

func openTestPool(t *testing.T, cfg PoolConfig, options ...PoolOption) *Pool {
	t.Helper()
	cfg.Driver = DriverSqlite
	if cfg.Database == "" {
		cfg.Database = filepath.Join(t.TempDir(), "docquery.db")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 1
	}

	pool, err := Open(context.Background(), cfg, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	return pool
}

func newTestStore(t *testing.T, options ...StoreOption) (*Store, *statementLog) {
	t.Helper()
	log := &statementLog{}
	pool := openTestPool(t, PoolConfig{}, WithQueryHook(log.hook))

	st := New(pool, options...)
	for _, model := range []any{testDepartment{}, testLine{}, testMachine{}, testQuestion{}, testEmployee{}, testAudit{}} {
		_, err := st.RegisterModel(model)
		require.NoError(t, err)
	}
	require.NoError(t, st.Sync(context.Background()))

	log.reset()
	return st, log
}

func mustModel(t *testing.T, st *Store, name string) *Model {
	t.Helper()
	m, err := st.Model(name)
	require.NoError(t, err)
	return m
}

func mustCreate(t *testing.T, m *Model, data any) int64 {
	t.Helper()
	rec, err := m.Create(context.Background(), data)
	require.NoError(t, err)
	id, ok := rec.ID().(int64)
	require.True(t, ok, "generated id %T", rec.ID())
	return id
}

func TestCreateAndFindByReference(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	lines := mustModel(t, st, "Line")

	rec, err := lines.Create(ctx, Document{"name": "Assembly", "department": 5})
	require.NoError(t, err)
	assert.False(t, rec.IsNew())
	assert.NotNil(t, rec.ID())
	assert.Equal(t, "Assembly", rec.Get("name"))
	assert.Equal(t, int64(5), rec.Get("department"))

	mustCreate(t, lines, Document{"name": "Paint", "department": 6})

	found, err := lines.Find(bson.M{"department": 5}).Exec(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, rec.ID(), found[0].ID())
	assert.Equal(t, "Assembly", found[0].Get("name"))

	one, err := lines.FindById(rec.ID()).One(ctx)
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.Equal(t, rec.Doc(), one.Doc())

	none, err := lines.FindById(999).One(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestArrayMembership(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	questions := mustModel(t, st, "Question")

	q1 := mustCreate(t, questions, Document{"questionText": "Guards in place?", "machines": []int{3, 7}, "active": true})
	mustCreate(t, questions, Document{"questionText": "Floor clean?", "machines": []int{3}})
	mustCreate(t, questions, Document{"questionText": "Lights on?"})

	found, err := questions.Find(bson.M{"machines": 7}).Exec(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, q1, found[0].ID())
	assert.Equal(t, []any{int64(3), int64(7)}, found[0].Get("machines"))
	assert.Equal(t, true, found[0].Get("active"))

	n, err := questions.CountDocuments(ctx, bson.M{"machines": bson.M{"$in": []int{7, 3}}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = questions.CountDocuments(ctx, bson.M{"machines": "7"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "string ids match numeric elements")

	empty, err := questions.Find(bson.M{"questionText": "Lights on?"}).One(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{}, empty.Get("machines"))
}

type auditFixture struct {
	department int64
	employee   int64
	line       int64
	questions  [2]int64
	audits     []int64
}

func seedAudits(t *testing.T, st *Store) auditFixture {
	t.Helper()
	var fx auditFixture

	fx.department = mustCreate(t, mustModel(t, st, "Department"), testDepartment{Name: "Production"})
	fx.employee = mustCreate(t, mustModel(t, st, "Employee"), testEmployee{Name: "Ana", Password: "secret", Department: fx.department})
	fx.line = mustCreate(t, mustModel(t, st, "Line"), testLine{Name: "Line 1", Department: fx.department})

	questions := mustModel(t, st, "Question")
	fx.questions[0] = mustCreate(t, questions, testQuestion{QuestionText: "Guards in place?", Active: true})
	fx.questions[1] = mustCreate(t, questions, testQuestion{QuestionText: "Floor clean?", Active: true})

	audits := mustModel(t, st, "Audit")
	for i, date := range []string{"2024-05-01", "2024-05-02", "2024-05-03"} {
		answer := "Yes"
		if i == 1 {
			answer = "No"
		}
		fx.audits = append(fx.audits, mustCreate(t, audits, testAudit{
			Date:    date,
			Score:   int64(i),
			Auditor: fx.employee,
			Line:    fx.line,
			Answers: []testAnswer{
				{Question: fx.questions[0], Answer: "Yes"},
				{Question: fx.questions[1], Answer: answer},
			},
		}))
	}
	return fx
}

func TestPopulateBatchesPerPath(t *testing.T) {
	ctx := context.Background()
	st, log := newTestStore(t)
	fx := seedAudits(t, st)
	audits := mustModel(t, st, "Audit")

	log.reset()
	records, err := audits.Find(bson.M{}).
		Sort("date").
		Populate("line").
		Populate("answers.question").
		Exec(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Len(t, log.statements(), 3, "one query for audits, one for lines, one for questions")

	for _, rec := range records {
		line, ok := rec.Get("line").(Document)
		require.True(t, ok, "line is populated")
		assert.Equal(t, fx.line, line.ID())
		assert.Equal(t, "Line 1", line["name"])

		answers, ok := rec.Get("answers").([]any)
		require.True(t, ok)
		require.Len(t, answers, 2)
		for i, a := range answers {
			q, ok := a.(Document)["question"].(Document)
			require.True(t, ok, "question is populated")
			assert.Equal(t, fx.questions[i], q.ID())
		}
	}

	first := records[0].Get("line").(Document)
	first["name"] = "changed"
	assert.Equal(t, "Line 1", records[1].Get("line").(Document)["name"], "populated documents are not shared")

	second := records[1].Get("answers").([]any)[1].(Document)
	assert.Equal(t, "No", second["answer"])
}

func TestPopulateMissingTargetKeepsID(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	st, _ := newTestStore(t, WithStoreLogger(zerolog.New(&buf)))
	audits := mustModel(t, st, "Audit")

	id := mustCreate(t, audits, testAudit{Date: "2024-05-01", Line: 999})

	rec, err := audits.FindById(id).Populate("line").One(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(999), rec.Get("line"))
	assert.Contains(t, buf.String(), "referenced document not found")
}

func TestPopulateNestedAndFields(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	fx := seedAudits(t, st)
	audits := mustModel(t, st, "Audit")

	rec, err := audits.FindById(fx.audits[0]).
		Populate("line.department").
		Populate("auditor", "name").
		One(ctx)
	require.NoError(t, err)

	line := rec.Get("line").(Document)
	dep, ok := line["department"].(Document)
	require.True(t, ok, "department is populated through line")
	assert.Equal(t, "Production", dep["name"])

	auditor := rec.Get("auditor").(Document)
	assert.Equal(t, "Ana", auditor["name"])
	assert.Equal(t, fx.employee, auditor.ID())
	assert.NotContains(t, auditor, "department")
	assert.NotContains(t, auditor, "password")
}

func TestPopulateAfterFetch(t *testing.T) {
	ctx := context.Background()
	st, log := newTestStore(t)
	fx := seedAudits(t, st)
	audits := mustModel(t, st, "Audit")

	records, err := audits.Find(nil).Exec(ctx)
	require.NoError(t, err)

	log.reset()
	require.NoError(t, audits.Populate(ctx, records, "auditor line"))
	assert.Len(t, log.statements(), 2)
	for _, rec := range records {
		assert.Equal(t, fx.employee, rec.Get("auditor").(Document).ID())
	}

	assert.ErrorIs(t, audits.Populate(ctx, records, "date"), ErrQueryCompile)
	_, err = audits.Find(nil).Populate("answers").Exec(ctx)
	assert.ErrorIs(t, err, ErrQueryCompile)
}

func TestSavePopulatedRecordStoresIDs(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	fx := seedAudits(t, st)
	audits := mustModel(t, st, "Audit")

	rec, err := audits.FindById(fx.audits[0]).Populate("line answers.question").One(ctx)
	require.NoError(t, err)
	require.NoError(t, rec.Set("score", 10))
	require.NoError(t, rec.Save(ctx))

	raw, err := audits.FindById(fx.audits[0]).One(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), raw.Get("score"))
	assert.Equal(t, fx.line, raw.Get("line"))
	answers := raw.Get("answers").([]any)
	assert.Equal(t, fx.questions[0], answers[0].(Document)["question"])
}

func TestProjection(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	fx := seedAudits(t, st)
	employees := mustModel(t, st, "Employee")

	rec, err := employees.FindById(fx.employee).One(ctx)
	require.NoError(t, err)
	assert.NotContains(t, rec.Doc(), "password")

	rec, err = employees.FindById(fx.employee).Select("+password").One(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret", rec.Get("password"))

	rec, err = employees.FindById(fx.employee).Select("name").One(ctx)
	require.NoError(t, err)
	assert.Equal(t, Document{"_id": fx.employee, "name": "Ana"}, rec.Doc())

	_, err = employees.Find(nil).Select("nope").Exec(ctx)
	assert.ErrorIs(t, err, ErrQueryCompile)
}

func TestSortLimitSkip(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	lines := mustModel(t, st, "Line")

	for _, name := range []string{"b", "d", "a", "c"} {
		mustCreate(t, lines, Document{"name": name, "department": 1})
	}

	names := func(records []*Record) []any {
		return Map(records, func(r *Record) any { return r.Get("name") })
	}

	records, err := lines.Find(bson.M{}).Sort("-name").Limit(2).Skip(1).Exec(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"c", "b"}, names(records))

	records, err = lines.Find(nil).Sort(bson.D{{Key: "name", Value: 1}}).Skip(3).Exec(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"d"}, names(records))

	records, err = lines.Select(ctx, nil, WithSorter("name"), WithLimit(3))
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, names(records))

	n, err := lines.Find(nil).Limit(1).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	_, err = lines.Find(nil).Sort("-nope").Exec(ctx)
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, ErrQueryCompile)

	_, err = lines.Find(bson.M{"name": bson.M{"$where": "1"}}).Exec(ctx)
	assert.ErrorIs(t, err, ErrQueryCompile)
}

func TestRegexAndOr(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	lines := mustModel(t, st, "Line")

	mustCreate(t, lines, Document{"name": "Assembly A", "department": 1})
	mustCreate(t, lines, Document{"name": "Paint", "department": 2})
	mustCreate(t, lines, Document{"name": "Assembly B", "department": 3})

	n, err := lines.CountDocuments(ctx, bson.M{"name": bson.M{"$regex": "^Assembly"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = lines.CountDocuments(ctx, bson.M{"$or": bson.A{
		bson.M{"department": 2},
		bson.M{"name": "Assembly B"},
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = lines.CountDocuments(ctx, bson.M{"department": bson.M{"$gte": 2, "$ne": 3}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = lines.CountDocuments(ctx, bson.M{"department": bson.M{"$in": bson.A{}}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestElemMatchQueries(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	fx := seedAudits(t, st)
	audits := mustModel(t, st, "Audit")

	anyNo, err := audits.Find(bson.M{"answers": bson.M{"$elemMatch": bson.M{"answer": "No"}}}).Exec(ctx)
	require.NoError(t, err)
	require.Len(t, anyNo, 1)
	assert.Equal(t, fx.audits[1], anyNo[0].ID())

	allYes, err := audits.CountDocuments(ctx, bson.M{"answers": bson.M{"$not": bson.M{"$elemMatch": bson.M{"answer": bson.M{"$ne": "Yes"}}}}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), allYes)

	byQuestion, err := audits.CountDocuments(ctx, bson.M{"answers.question": fx.questions[1]})
	require.NoError(t, err)
	assert.Equal(t, int64(3), byQuestion)
}

func TestRecordSave(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	lines := mustModel(t, st, "Line")

	rec, err := lines.New(testLine{Name: "Draft", Department: 2})
	require.NoError(t, err)
	assert.True(t, rec.IsNew())
	require.NoError(t, rec.Save(ctx))
	assert.False(t, rec.IsNew())
	require.NotNil(t, rec.ID())

	require.NoError(t, rec.Set("name", "Final"))
	assert.ErrorIs(t, rec.Set("nope", 1), ErrQueryCompile)
	assert.ErrorIs(t, rec.Set(IDField, 1), ErrQueryCompile)
	require.NoError(t, rec.Save(ctx))

	stored, err := lines.FindById(rec.ID()).One(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Final", stored.Get("name"))

	var line testLine
	require.NoError(t, stored.Decode(&line))
	assert.Equal(t, testLine{ID: rec.ID().(int64), Name: "Final", Department: 2}, line)

	lean, err := lines.FindById(rec.ID()).Lean().One(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, lean.Save(ctx), ErrDetached)

	_, err = lines.New(Document{"_id": 4})
	assert.ErrorIs(t, err, ErrQueryCompile)
}

func TestRecordSetCopiesValue(t *testing.T) {
	st, _ := newTestStore(t)
	audits := mustModel(t, st, "Audit")

	rec, err := audits.New(testAudit{Date: "2024-05-01"})
	require.NoError(t, err)

	answers := []testAnswer{{Question: 1, Answer: "Yes"}}
	meta := map[string]any{"shift": "A", "tags": []any{"night"}}
	require.NoError(t, rec.Set("answers", answers))
	require.NoError(t, rec.Set("meta", meta))

	answers[0].Answer = "No"
	meta["shift"] = "B"
	meta["tags"].([]any)[0] = "day"

	assert.Equal(t, []testAnswer{{Question: 1, Answer: "Yes"}}, rec.Get("answers"))
	assert.Equal(t, map[string]any{"shift": "A", "tags": []any{"night"}}, rec.Get("meta"))
}

func TestFindByIdAndUpdate(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	fx := seedAudits(t, st)
	audits := mustModel(t, st, "Audit")

	before, err := audits.FindByIdAndUpdate(ctx, fx.audits[0], bson.M{"$inc": bson.M{"score": 5}, "$set": bson.M{"meta": Document{"shift": "A"}}})
	require.NoError(t, err)
	require.NotNil(t, before)
	assert.Equal(t, int64(0), before.Get("score"))

	after, err := audits.FindByIdAndUpdate(ctx, fx.audits[0], bson.M{"date": "2024-06-01"}, WithReturnNew())
	require.NoError(t, err)
	assert.Equal(t, int64(5), after.Get("score"))
	assert.Equal(t, "2024-06-01", after.Get("date"))
	assert.Equal(t, Document{"shift": "A"}, after.Get("meta"))
	assert.Equal(t, fx.line, after.Get("line"), "fields not named in the update are untouched")

	missing, err := audits.FindByIdAndUpdate(ctx, 999, bson.M{"score": 1})
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = audits.FindByIdAndUpdate(ctx, fx.audits[0], bson.M{"_id": 1})
	assert.ErrorIs(t, err, ErrQueryCompile)
}

func TestFindByIdAndDelete(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	lines := mustModel(t, st, "Line")
	id := mustCreate(t, lines, Document{"name": "Old", "department": 1})

	snapshot, err := lines.FindByIdAndDelete(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, "Old", snapshot.Get("name"))
	assert.ErrorIs(t, snapshot.Save(ctx), ErrDetached)

	gone, err := lines.FindById(id).One(ctx)
	require.NoError(t, err)
	assert.Nil(t, gone)

	again, err := lines.FindByIdAndDelete(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestBulkWrites(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	lines := mustModel(t, st, "Line")

	created, err := lines.InsertMany(ctx, []any{
		testLine{Name: "a", Department: 1},
		Document{"name": "b", "department": 1},
		bson.D{{Key: "name", Value: "c"}, {Key: "department", Value: 2}},
	})
	require.NoError(t, err)
	require.Len(t, created, 3)

	_, err = lines.InsertMany(ctx, []any{Document{"name": "d"}, Document{"nope": 1}})
	assert.ErrorIs(t, err, ErrQueryCompile)

	n, err := lines.UpdateMany(ctx, bson.M{"department": 1}, bson.M{"$set": bson.M{"department": 3}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = lines.CountDocuments(ctx, bson.M{"department": 3})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = lines.UpdateMany(ctx, nil, bson.M{})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = lines.DeleteMany(ctx, bson.M{"department": bson.M{"$ne": 2}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = lines.CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTransactionScope(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	lines := mustModel(t, st, "Line")

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	id := func() int64 {
		rec, err := lines.Create(ctx, Document{"name": "tmp", "department": 1}, WithTransaction(tx))
		require.NoError(t, err)
		return rec.ID().(int64)
	}()

	inTx, err := lines.FindById(id).Session(tx).One(ctx)
	require.NoError(t, err)
	require.NotNil(t, inTx)

	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, tx.Commit(ctx))

	_, _, err = tx.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrTxDone)

	n, err := lines.CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPopulateInsideTransaction(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	departments := mustModel(t, st, "Department")
	lines := mustModel(t, st, "Line")

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	defer tx.Release()

	dep, err := departments.Create(ctx, testDepartment{Name: "Paint"}, WithTransaction(tx))
	require.NoError(t, err)
	line, err := lines.Create(ctx, Document{"name": "Line 9", "department": dep.ID()}, WithTransaction(tx))
	require.NoError(t, err)

	rec, err := lines.FindById(line.ID()).Session(tx).One(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)

	require.NoError(t, rec.Populate(ctx, "department", WithTransaction(tx)))
	populated, ok := rec.Get("department").(Document)
	require.True(t, ok, "department created in the transaction is visible to populate")
	assert.Equal(t, "Paint", populated["name"])
}

func TestIteratorAndGo(t *testing.T) {
	ctx := context.Background()
	st, log := newTestStore(t)
	lines := mustModel(t, st, "Line")

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		mustCreate(t, lines, Document{"name": name, "department": 1})
	}

	log.reset()
	it, err := lines.Find(nil).Sort("name").Iterator(2)
	require.NoError(t, err)

	var names []any
	for {
		rec, err := it.Next(ctx)
		if errors.Is(err, ErrNoRow) {
			break
		}
		require.NoError(t, err)
		names = append(names, rec.Get("name"))
	}
	require.NoError(t, it.Close())
	assert.Equal(t, []any{"a", "b", "c", "d", "e"}, names)
	assert.Len(t, log.statements(), 3)

	it, err = lines.Find(nil).Sort("name").Limit(3).Iterator(2)
	require.NoError(t, err)
	var limited int
	for {
		if _, err := it.Next(ctx); err != nil {
			assert.ErrorIs(t, err, ErrNoRow)
			break
		}
		limited++
	}
	assert.Equal(t, 3, limited)

	_, err = lines.Find(nil).Iterator(0)
	assert.ErrorIs(t, err, ErrQueryCompile)

	res := <-lines.Find(bson.M{"name": bson.M{"$in": []string{"a", "e"}}}).Go(ctx)
	require.NoError(t, res.Err)
	assert.Len(t, res.Records, 2)
}

func TestQueryIsLazyAndRepeatable(t *testing.T) {
	ctx := context.Background()
	st, log := newTestStore(t)
	lines := mustModel(t, st, "Line")

	q := lines.Find(bson.M{"department": 1}).Sort("name")
	assert.Empty(t, log.statements())

	mustCreate(t, lines, Document{"name": "a", "department": 1})
	first, err := q.Exec(ctx)
	require.NoError(t, err)
	mustCreate(t, lines, Document{"name": "b", "department": 1})
	second, err := q.Exec(ctx)
	require.NoError(t, err)

	assert.Len(t, first, 1)
	assert.Len(t, second, 2)

	one, err := q.One(ctx)
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.Equal(t, "a", one.Get("name"))

	third, err := q.Exec(ctx)
	require.NoError(t, err)
	assert.Len(t, third, 2, "One leaves the query unchanged")
}

func TestMalformedJSONColumn(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	st, _ := newTestStore(t, WithStoreLogger(zerolog.New(&buf)))
	audits := mustModel(t, st, "Audit")
	id := mustCreate(t, audits, testAudit{Date: "2024-05-01"})

	_, err := st.Pool().Exec(ctx, `UPDATE "audits" SET "answers" = ? WHERE "id" = ?`, "[oops", id)
	require.NoError(t, err)

	rec, err := audits.FindById(id).One(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{}, rec.Get("answers"))
	assert.Contains(t, buf.String(), "malformed JSON column")
}

func TestImportCSV(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	lines := mustModel(t, st, "Line")

	n, err := lines.ImportCSV(ctx, strings.NewReader("name,department_id\nPaint,3\nWeld,\n"), true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	weld, err := lines.FindOne(bson.M{"department": nil}).One(ctx)
	require.NoError(t, err)
	require.NotNil(t, weld)
	assert.Equal(t, "Weld", weld.Get("name"))

	n, err = lines.ImportCSV(ctx, strings.NewReader("Cut,4\n"), false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = lines.ImportCSV(ctx, strings.NewReader("name,nope\nx,1\n"), true)
	assert.ErrorIs(t, err, ErrQueryCompile)

	_, err = lines.ImportCSV(ctx, strings.NewReader("name,department\nok,1\nbroken\n"), true)
	assert.Error(t, err)

	total, err := lines.CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total, "a failed import is rolled back")
}

func TestFilterFrom(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)
	lines := mustModel(t, st, "Line")

	for i, name := range []string{"a", "b", "c"} {
		mustCreate(t, lines, Document{"name": name, "department": i + 1})
	}

	type request struct {
		Department []int64 `json:"department"`
		Name       *string `json:"name"`
		Page       int     `json:"page"`
	}

	filter, err := lines.FilterFrom(request{Department: []int64{1, 3}})
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "department", Value: bson.M{"$in": []int64{1, 3}}}}, filter)

	n, err := lines.CountDocuments(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	name := "b"
	filter, err = lines.FilterFrom(&request{Department: []int64{2}, Name: &name})
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "department", Value: int64(2)}, {Key: "name", Value: "b"}}, filter)

	_, err = lines.FilterFrom("department=1")
	assert.Error(t, err)
}

type testShift struct {
	DBTable `name:"shifts" model:"Shift"`
	ID      int64  `json:"_id" db:"id,key"`
	Name    string `json:"name" db:"name,size=20"`
}

func TestSyncSeedsAndVerify(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t)

	shifts, err := st.RegisterModel(testShift{}, InitWith(testShift{Name: "A"}, testShift{Name: "B"}))
	require.NoError(t, err)
	require.NoError(t, st.Sync(ctx))
	require.NoError(t, st.Sync(ctx))

	n, err := shifts.CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, st.Verify(ctx))

	cols, err := st.Describe(ctx, "Line")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "department_id"}, Map(cols, func(c Column) string { return c.ColumnName }))

	_, err = st.Describe(ctx, "Nope")
	assert.ErrorIs(t, err, ErrUnknownModel)

	_, err = st.RegisterModel(testShift{})
	assert.Error(t, err, "duplicate registration")

	_, err = st.RegisterModel(testShift{}, WithName("Ghost"))
	require.NoError(t, err)
	_, err = st.Pool().Exec(ctx, `DROP TABLE "shifts"`)
	require.NoError(t, err)
	err = st.Verify(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table shifts does not exist")
}

func TestUniqueViolation(t *testing.T) {
	ctx := context.Background()
	pool := openTestPool(t, PoolConfig{})

	_, err := pool.Exec(ctx, `CREATE TABLE codes (id INTEGER PRIMARY KEY, code TEXT UNIQUE)`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO codes (code) VALUES (?)`, "x")
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `INSERT INTO codes (code) VALUES (?)`, "x")
	assert.ErrorIs(t, err, ErrConstraint)
	assert.ErrorIs(t, err, ErrKeyAlreadyExists)
}
