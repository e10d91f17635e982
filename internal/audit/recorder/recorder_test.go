package recorder

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/suite"

	"audittrail/internal/audit/checksum"
	"audittrail/internal/audit/models"
	"audittrail/internal/audit/redact"
	"audittrail/internal/audit/store/memory"
	"audittrail/internal/audit/writer"
)

var products = EntityConfig{
	SubjectType:   "products",
	Name:          "product",
	Exclude:       []string{"internal_notes"},
	Ignore:        []string{"view_count"},
	MessageFields: []string{"name"},
	Parents: []Relation{
		{Field: "category_id", SubjectType: "categories"},
		{Field: "brand_id", SubjectType: "brands", Role: models.RoleRelated},
	},
}

type RecorderSuite struct {
	suite.Suite
	ctx      context.Context
	store    *memory.InMemoryStore
	recorder *Recorder
}

func TestRecorderSuite(t *testing.T) {
	suite.Run(t, new(RecorderSuite))
}

func (s *RecorderSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.NewInMemoryStore()
	w, err := writer.New(s.store, checksum.New("recorder-secret"), redact.New())
	s.Require().NoError(err)
	s.recorder, err = New(w, WithDefaultIgnore("updated_at"), WithDefaultExclude("created_at"))
	s.Require().NoError(err)
}

func (s *RecorderSuite) load(res Result) *models.AuditEvent {
	s.Require().True(res.Recorded)
	e, err := s.store.FindEvent(s.ctx, res.EventID)
	s.Require().NoError(err)
	return e
}

func (s *RecorderSuite) TestNewRequiresWriter() {
	_, err := New(nil)
	s.Error(err)
}

func (s *RecorderSuite) TestCreated() {
	res, err := s.recorder.Created(s.ctx, products, "42", map[string]any{
		"name":           "Widget",
		"price":          9.99,
		"category_id":    7,
		"brand_id":       nil,
		"internal_notes": "do not ship",
		"created_at":     "2026-01-01",
	})
	s.Require().NoError(err)
	e := s.load(res)

	s.Equal("product.created", e.Event)
	s.Equal(map[string]any{"name": "Widget"}, e.MessageData)
	s.NotContains(e.Payload, "internal_notes")
	s.NotContains(e.Payload, "created_at")
	s.Equal(json.Number("9.99"), e.Payload["price"])
	s.Nil(e.Diff)
	s.Equal([]models.AuditSubject{
		{SubjectType: "products", SubjectID: "42", Role: models.RolePrimary},
		{SubjectType: "categories", SubjectID: "7", Role: models.RoleParent},
	}, e.Subjects)
}

func (s *RecorderSuite) TestUpdatedWritesDiff() {
	res, err := s.recorder.Updated(s.ctx, products, "42",
		map[string]any{"name": "Widget", "price": 8.99, "view_count": 1, "brand_id": "b1"},
		map[string]any{"name": "Widget", "price": 9.99, "view_count": 2, "brand_id": "b1"},
	)
	s.Require().NoError(err)
	e := s.load(res)

	s.Equal("product.updated", e.Event)
	s.Equal(map[string]any{"price": []any{json.Number("8.99"), json.Number("9.99")}}, e.Diff)
	s.Contains(e.Subjects, models.AuditSubject{SubjectType: "brands", SubjectID: "b1", Role: models.RoleRelated})
}

func (s *RecorderSuite) TestUpdatedSkipsIgnoredOnlyChanges() {
	res, err := s.recorder.Updated(s.ctx, products, "42",
		map[string]any{"name": "Widget", "view_count": 1, "updated_at": "t1"},
		map[string]any{"name": "Widget", "view_count": 2, "updated_at": "t2"},
	)
	s.Require().NoError(err)
	s.False(res.Recorded)
	s.Equal(0, s.store.Counts()[models.KindEvents])
}

func (s *RecorderSuite) TestUpdatedExcludedFieldStillAudited() {
	res, err := s.recorder.Updated(s.ctx, products, "42",
		map[string]any{"internal_notes": "a"},
		map[string]any{"internal_notes": "b"},
	)
	s.Require().NoError(err)
	e := s.load(res)
	s.Nil(e.Diff)
	s.NotContains(e.Payload, "internal_notes")
}

func (s *RecorderSuite) TestDeleted() {
	res, err := s.recorder.Deleted(s.ctx, products, "42", map[string]any{"name": "Widget"})
	s.Require().NoError(err)
	s.Equal("product.deleted", s.load(res).Event)
}

func (s *RecorderSuite) TestDisabledActions() {
	cfg := products
	cfg.Events = []string{ActionDeleted}

	res, err := s.recorder.Created(s.ctx, cfg, "1", map[string]any{"name": "x"})
	s.Require().NoError(err)
	s.False(res.Recorded)

	res, err = s.recorder.Updated(s.ctx, cfg, "1", map[string]any{"name": "x"}, map[string]any{"name": "y"})
	s.Require().NoError(err)
	s.False(res.Recorded)
}

func (s *RecorderSuite) TestLevelAndDefaultName() {
	level := uint8(3)
	res, err := s.recorder.Created(s.ctx, EntityConfig{SubjectType: "orders", Level: &level}, "9", nil)
	s.Require().NoError(err)
	e := s.load(res)
	s.Equal("orders.created", e.Event)
	s.Equal(level, e.Level)
}

func (s *RecorderSuite) TestMissingSubjectType() {
	_, err := s.recorder.Created(s.ctx, EntityConfig{}, "1", nil)
	s.Error(err)
}
