// Package audit holds the factory-floor audit entities and the application-level
// rules that sit on top of the document store.
package audit

import (
	store "github.com/likearthian/docstore"
)

type Department struct {
	store.DBTable `name:"departments" model:"Department"`
	ID            int64  `json:"_id" db:"id,key"`
	Name          string `json:"name" db:"name,size=120 required"`
}

type Line struct {
	store.DBTable `name:"lines" model:"Line"`
	ID            int64  `json:"_id" db:"id,key"`
	Name          string `json:"name" db:"name,size=120 required"`
	Department    int64  `json:"department" db:"department_id,ref=Department"`
}

type Machine struct {
	store.DBTable `name:"machines" model:"Machine"`
	ID            int64  `json:"_id" db:"id,key"`
	Name          string `json:"name" db:"name,size=120 required"`
	Line          int64  `json:"line" db:"line_id,ref=Line"`
}

type Process struct {
	store.DBTable `name:"processes" model:"Process"`
	ID            int64  `json:"_id" db:"id,key"`
	Name          string `json:"name" db:"name,size=120 required"`
	Line          int64  `json:"line" db:"line_id,ref=Line"`
}

type Question struct {
	store.DBTable `name:"questions" model:"Question"`
	ID            int64   `json:"_id" db:"id,key"`
	QuestionText  string  `json:"questionText" db:"question_text,size=500 required"`
	IsCommon      bool    `json:"isCommon" db:"is_common"`
	Machines      []int64 `json:"machines" db:"machines,refs=Machine"`
	Lines         []int64 `json:"lines" db:"lines,refs=Line"`
	Processes     []int64 `json:"processes" db:"processes,refs=Process"`
}

type Employee struct {
	store.DBTable `name:"employees" model:"Employee"`
	ID            int64  `json:"_id" db:"id,key"`
	Name          string `json:"name" db:"name,size=120 required"`
	EmployeeID    string `json:"employeeId" db:"employee_id,size=40 required"`
	Email         string `json:"email,omitempty" db:"email,size=200"`
	Password      string `json:"password,omitempty" db:"password,size=200 hidden"`
	Role          string `json:"role" db:"role,size=20"`
	Department    int64  `json:"department" db:"department_id,ref=Department"`
}

// Answer is one checklist entry stored inside Audit.Answers.
type Answer struct {
	Question int64  `json:"question"`
	Answer   string `json:"answer"`
	Remark   string `json:"remark,omitempty"`
}

type Audit struct {
	store.DBTable `name:"audits" model:"Audit"`
	ID            int64          `json:"_id" db:"id,key"`
	Date          string         `json:"date" db:"date,size=30"`
	Shift         string         `json:"shift,omitempty" db:"shift,size=10"`
	Auditor       int64          `json:"auditor" db:"auditor_id,ref=Employee"`
	Line          int64          `json:"line" db:"line_id,ref=Line"`
	Machine       int64          `json:"machine,omitempty" db:"machine_id,ref=Machine"`
	Process       int64          `json:"process,omitempty" db:"process_id,ref=Process"`
	Answers       []Answer       `json:"answers" db:"answers,embed=question:Question"`
	Meta          map[string]any `json:"meta,omitempty" db:"meta,object"`
}

const (
	AnswerYes = "Yes"
	AnswerNo  = "No"
	AnswerNA  = "N/A"
)
