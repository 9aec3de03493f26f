package audit

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	store "github.com/likearthian/docstore"
)

var ErrDepartmentInUse = errors.New("department still has employees or lines")

// Service bundles the registered audit models.
type Service struct {
	store *store.Store

	Departments *store.Model
	Lines       *store.Model
	Machines    *store.Model
	Processes   *store.Model
	Questions   *store.Model
	Employees   *store.Model
	Audits      *store.Model
}

// Register adds every audit model to s in dependency order.
func Register(s *store.Store) (*Service, error) {
	svc := &Service{store: s}
	models := []struct {
		dst   **store.Model
		model any
	}{
		{&svc.Departments, Department{}},
		{&svc.Lines, Line{}},
		{&svc.Machines, Machine{}},
		{&svc.Processes, Process{}},
		{&svc.Questions, Question{}},
		{&svc.Employees, Employee{}},
		{&svc.Audits, Audit{}},
	}
	for _, m := range models {
		registered, err := s.RegisterModel(m.model)
		if err != nil {
			return nil, err
		}
		*m.dst = registered
	}
	return svc, nil
}

// DeleteDepartment removes a department. Employees and lines still pointing at it
// are moved to transferTo first; with a nil transferTo the delete is refused while
// any dependant exists. It returns the deleted department, or nil when id is unknown.
func (s *Service) DeleteDepartment(ctx context.Context, id any, transferTo any) (*store.Record, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Release()

	inTx := store.WithTransaction(tx)
	filter := bson.D{{Key: "department", Value: id}}

	dependants := []*store.Model{s.Employees, s.Lines}
	var total int64
	for _, m := range dependants {
		n, err := m.CountDocuments(ctx, filter, inTx)
		if err != nil {
			return nil, err
		}
		total += n
	}

	if total > 0 {
		if transferTo == nil {
			return nil, fmt.Errorf("%w: %d dependants", ErrDepartmentInUse, total)
		}
		target, err := s.Departments.FindById(transferTo).Session(tx).One(ctx)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, fmt.Errorf("%w: transfer department %v", store.ErrKeynotFound, transferTo)
		}
		for _, m := range dependants {
			if _, err := m.UpdateMany(ctx, filter, bson.D{{Key: "$set", Value: bson.D{{Key: "department", Value: transferTo}}}}, inTx); err != nil {
				return nil, err
			}
		}
	}

	deleted, err := s.Departments.FindByIdAndDelete(ctx, id, inTx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return deleted, nil
}

// AllYes matches audits whose answers are all "Yes". Audits without answers match too.
func AllYes() bson.D {
	return bson.D{{Key: "answers", Value: bson.D{{Key: "$not", Value: bson.D{
		{Key: "$elemMatch", Value: bson.D{{Key: "answer", Value: bson.D{{Key: "$ne", Value: AnswerYes}}}}},
	}}}}}
}

// AnyNo matches audits with at least one "No" answer.
func AnyNo() bson.D {
	return bson.D{{Key: "answers", Value: bson.D{
		{Key: "$elemMatch", Value: bson.D{{Key: "answer", Value: AnswerNo}}},
	}}}
}

// Search narrows an audit listing. Empty fields do not filter.
type Search struct {
	Auditor []int64 `json:"auditor"`
	Line    []int64 `json:"line"`
	Machine []int64 `json:"machine"`
	Shift   *string `json:"shift"`
	// Result is "all-yes", "any-no" or empty.
	Result string `json:"-"`
}

// FindAudits lists audits matching req, newest first, with the auditor, line and
// answered questions populated.
func (s *Service) FindAudits(ctx context.Context, req Search, limit, skip int64) ([]*store.Record, error) {
	filter, err := s.Audits.FilterFrom(req)
	if err != nil {
		return nil, err
	}

	switch req.Result {
	case "":
	case "all-yes":
		filter = append(filter, AllYes()...)
	case "any-no":
		filter = append(filter, AnyNo()...)
	default:
		return nil, fmt.Errorf("unknown result filter %q", req.Result)
	}

	return s.Audits.Find(filter).
		Sort("-date").
		Limit(limit).
		Skip(skip).
		Populate("auditor", "name employeeId").
		Populate("line answers.question").
		Exec(ctx)
}

// QuestionsFor returns the questions that apply to a machine: those listing it and
// the common ones.
func (s *Service) QuestionsFor(ctx context.Context, machineID any) ([]*store.Record, error) {
	return s.Questions.Find(bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "machines", Value: machineID}},
		bson.D{{Key: "isCommon", Value: true}},
	}}}).Sort("questionText").Exec(ctx)
}
