package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testDepartment struct {
	DBTable `name:"departments" model:"Department"`
	ID      int64  `json:"_id" db:"id,key"`
	Name    string `json:"name" db:"name,size=120"`
}

type testLine struct {
	DBTable    `name:"lines" model:"Line"`
	ID         int64  `json:"_id" db:"id,key"`
	Name       string `json:"name" db:"name,size=120"`
	Department int64  `json:"department" db:"department_id,ref=Department"`
}

type testMachine struct {
	DBTable `name:"machines" model:"Machine"`
	ID      int64  `json:"_id" db:"id,key"`
	Name    string `json:"name" db:"name,size=120"`
	Line    int64  `json:"line" db:"line_id,ref=Line"`
}

type testQuestion struct {
	DBTable      `name:"questions" model:"Question"`
	ID           int64   `json:"_id" db:"id,key"`
	QuestionText string  `json:"questionText" db:"question_text,size=500"`
	Active       bool    `json:"active" db:"active"`
	Machines     []int64 `json:"machines" db:"machines,refs=Machine"`
}

type testEmployee struct {
	DBTable    `name:"employees" model:"Employee"`
	ID         int64  `json:"_id" db:"id,key"`
	Name       string `json:"name" db:"name,size=120"`
	Password   string `json:"password,omitempty" db:"password,hidden"`
	Department int64  `json:"department" db:"department_id,ref=Department"`
}

type testAnswer struct {
	Question int64  `json:"question"`
	Answer   string `json:"answer"`
}

type testAudit struct {
	DBTable `name:"audits" model:"Audit"`
	ID      int64          `json:"_id" db:"id,key"`
	Date    string         `json:"date"`
	Score   int64          `json:"score" db:"score"`
	Auditor int64          `json:"auditor" db:"auditor_id,ref=Employee"`
	Line    int64          `json:"line" db:"line_id,ref=Line"`
	Answers []testAnswer   `json:"answers" db:"answers,embed=question:Question"`
	Meta    map[string]any `json:"meta,omitempty" db:"meta,object"`
}

func mustSchema(t *testing.T, model any) *Schema {
	t.Helper()
	sc, err := SchemaOf(model)
	require.NoError(t, err)
	require.NoError(t, sc.init())
	return &sc
}
