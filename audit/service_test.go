package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	store "github.com/likearthian/docstore"
)

func newService(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()

	pool, err := store.Open(ctx, store.PoolConfig{
		Driver:       store.DriverSqlite,
		Database:     filepath.Join(t.TempDir(), "audit.db"),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close(ctx) })

	st := store.New(pool)
	svc, err := Register(st)
	require.NoError(t, err)
	require.NoError(t, st.Sync(ctx))
	require.NoError(t, st.Verify(ctx))
	return svc
}

func create(t *testing.T, m *store.Model, data any) int64 {
	t.Helper()
	rec, err := m.Create(context.Background(), data)
	require.NoError(t, err)
	return rec.ID().(int64)
}

func TestDeleteDepartment(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	production := create(t, svc.Departments, Department{Name: "Production"})
	quality := create(t, svc.Departments, Department{Name: "Quality"})
	empty := create(t, svc.Departments, Department{Name: "Empty"})

	create(t, svc.Employees, Employee{Name: "Ana", EmployeeID: "E1", Department: production})
	create(t, svc.Lines, Line{Name: "Line 1", Department: production})

	_, err := svc.DeleteDepartment(ctx, production, nil)
	assert.ErrorIs(t, err, ErrDepartmentInUse)

	_, err = svc.DeleteDepartment(ctx, production, 999)
	assert.ErrorIs(t, err, store.ErrKeynotFound)

	n, err := svc.Departments.CountDocuments(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "refused deletes leave the department in place")

	deleted, err := svc.DeleteDepartment(ctx, production, quality)
	require.NoError(t, err)
	require.NotNil(t, deleted)
	assert.Equal(t, "Production", deleted.Get("name"))

	moved, err := svc.Employees.CountDocuments(ctx, bson.M{"department": quality})
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)
	moved, err = svc.Lines.CountDocuments(ctx, bson.M{"department": quality})
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	deleted, err = svc.DeleteDepartment(ctx, empty, nil)
	require.NoError(t, err)
	require.NotNil(t, deleted)

	deleted, err = svc.DeleteDepartment(ctx, 999, nil)
	require.NoError(t, err)
	assert.Nil(t, deleted)
}

type floor struct {
	auditor   int64
	lines     [2]int64
	machine   int64
	questions [3]int64
	audits    []int64
}

func seedFloor(t *testing.T, svc *Service) floor {
	t.Helper()
	var f floor

	dep := create(t, svc.Departments, Department{Name: "Production"})
	f.auditor = create(t, svc.Employees, Employee{Name: "Ana", EmployeeID: "E1", Password: "secret", Role: "auditor", Department: dep})
	f.lines[0] = create(t, svc.Lines, Line{Name: "Line 1", Department: dep})
	f.lines[1] = create(t, svc.Lines, Line{Name: "Line 2", Department: dep})
	f.machine = create(t, svc.Machines, Machine{Name: "Press", Line: f.lines[0]})
	other := create(t, svc.Machines, Machine{Name: "Lathe", Line: f.lines[1]})

	f.questions[0] = create(t, svc.Questions, Question{QuestionText: "Guards in place?", Machines: []int64{f.machine}})
	f.questions[1] = create(t, svc.Questions, Question{QuestionText: "Area clean?", IsCommon: true})
	f.questions[2] = create(t, svc.Questions, Question{QuestionText: "Coolant level ok?", Machines: []int64{other}})

	for _, a := range []Audit{
		{Date: "2024-05-01", Shift: "A", Line: f.lines[0], Answers: []Answer{
			{Question: f.questions[0], Answer: AnswerYes},
			{Question: f.questions[1], Answer: AnswerYes},
		}},
		{Date: "2024-05-02", Shift: "B", Line: f.lines[0], Answers: []Answer{
			{Question: f.questions[0], Answer: AnswerNo, Remark: "guard missing"},
			{Question: f.questions[1], Answer: AnswerYes},
		}},
		{Date: "2024-05-03", Shift: "A", Line: f.lines[1], Answers: []Answer{
			{Question: f.questions[2], Answer: AnswerNA},
		}},
	} {
		a.Auditor = f.auditor
		f.audits = append(f.audits, create(t, svc.Audits, a))
	}
	return f
}

func TestFindAudits(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	f := seedFloor(t, svc)

	all, err := svc.FindAudits(ctx, Search{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, f.audits[2], all[0].ID(), "newest first")

	auditor, ok := all[0].Get("auditor").(store.Document)
	require.True(t, ok)
	assert.Equal(t, store.Document{"_id": f.auditor, "name": "Ana", "employeeId": "E1"}, auditor)

	line, ok := all[0].Get("line").(store.Document)
	require.True(t, ok)
	assert.Equal(t, "Line 2", line["name"])

	answers := all[1].Get("answers").([]any)
	q := answers[0].(store.Document)["question"].(store.Document)
	assert.Equal(t, "Guards in place?", q["questionText"])
	assert.Equal(t, "guard missing", answers[0].(store.Document)["remark"])

	onLine, err := svc.FindAudits(ctx, Search{Line: []int64{f.lines[0]}}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, onLine, 2)

	shift := "A"
	byShift, err := svc.FindAudits(ctx, Search{Line: []int64{f.lines[0], f.lines[1]}, Shift: &shift}, 1, 0)
	require.NoError(t, err)
	require.Len(t, byShift, 1)
	assert.Equal(t, f.audits[2], byShift[0].ID())

	anyNo, err := svc.FindAudits(ctx, Search{Result: "any-no"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, anyNo, 1)
	assert.Equal(t, f.audits[1], anyNo[0].ID())

	allYes, err := svc.FindAudits(ctx, Search{Result: "all-yes", Line: []int64{f.lines[0]}}, 0, 0)
	require.NoError(t, err)
	require.Len(t, allYes, 1)
	assert.Equal(t, f.audits[0], allYes[0].ID())

	_, err = svc.FindAudits(ctx, Search{Result: "maybe"}, 0, 0)
	assert.Error(t, err)
}

func TestQuestionsFor(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	f := seedFloor(t, svc)

	questions, err := svc.QuestionsFor(ctx, f.machine)
	require.NoError(t, err)
	require.Len(t, questions, 2)
	assert.Equal(t, f.questions[1], questions[0].ID())
	assert.Equal(t, f.questions[0], questions[1].ID())

	var q Question
	require.NoError(t, questions[1].Decode(&q))
	assert.Equal(t, []int64{f.machine}, q.Machines)
	assert.False(t, q.IsCommon)
}
