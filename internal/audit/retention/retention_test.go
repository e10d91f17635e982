package retention

//go:generate mockgen -source=retention.go -destination=mocks/mocks.go -package=mocks Store,Locker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"audittrail/internal/audit/metrics"
	"audittrail/internal/audit/models"
	"audittrail/internal/audit/retention/mocks"
	"audittrail/internal/audit/store/memory"
	dErrors "audittrail/pkg/domain-errors"
)

const day = 24 * time.Hour

type SweeperSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	store   *memory.InMemoryStore
	metrics *metrics.Metrics
}

func TestSweeperSuite(t *testing.T) {
	suite.Run(t, new(SweeperSuite))
}

func (s *SweeperSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC)
	s.store = memory.NewInMemoryStore()
	s.metrics = metrics.New(prometheus.NewRegistry())
}

func (s *SweeperSuite) sweeper(opts ...Option) *Sweeper {
	opts = append([]Option{
		WithClock(func() time.Time { return s.now }),
		WithMetrics(s.metrics),
	}, opts...)
	sw, err := New(s.store, opts...)
	s.Require().NoError(err)
	return sw
}

func (s *SweeperSuite) seedEvents(ages ...time.Duration) {
	for _, age := range ages {
		s.Require().NoError(s.store.InsertEvent(s.ctx, &models.AuditEvent{
			ID:        uuid.New(),
			Event:     "product.created",
			CreatedAt: s.now.Add(-age),
			Checksum:  "x",
			Subjects:  []models.AuditSubject{{SubjectType: "products", SubjectID: uuid.NewString(), Role: models.RolePrimary}},
		}))
	}
}

func (s *SweeperSuite) seedRequests(ages ...time.Duration) {
	for _, age := range ages {
		s.Require().NoError(s.store.InsertRequest(s.ctx, &models.RequestLog{
			ID: uuid.New(), Method: "GET", URL: "/", ReferenceID: "r", CreatedAt: s.now.Add(-age),
		}))
	}
}

func (s *SweeperSuite) TestNew() {
	_, err := New(nil)
	s.ErrorContains(err, "retention store is required")
}

func (s *SweeperSuite) TestDeletesOnlyOlderThanThreshold() {
	s.seedEvents(31*day, 29*day)

	n, err := s.sweeper().Sweep(s.ctx, models.KindEvents, Days(30))
	s.Require().NoError(err)
	s.Equal(int64(1), n)
	s.Equal(1, s.store.Counts()[models.KindEvents])
	s.Equal(1, s.store.SubjectCount())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.RetentionDeleted.WithLabelValues("events")))
}

func (s *SweeperSuite) TestIdempotent() {
	s.seedEvents(31*day, 40*day)
	sw := s.sweeper()

	n, err := sw.Sweep(s.ctx, models.KindEvents, Days(30))
	s.Require().NoError(err)
	s.Equal(int64(2), n)

	n, err = sw.Sweep(s.ctx, models.KindEvents, Days(30))
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *SweeperSuite) TestNilAgeIsNoOp() {
	s.seedEvents(400 * day)

	n, err := s.sweeper().Sweep(s.ctx, models.KindEvents, nil)
	s.Require().NoError(err)
	s.Zero(n)
	s.Equal(1, s.store.Counts()[models.KindEvents])
}

func (s *SweeperSuite) TestInvalidInput() {
	_, err := s.sweeper().Sweep(s.ctx, models.Kind("sessions"), Days(1))
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = s.sweeper().Sweep(s.ctx, models.KindEvents, Days(-1))
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *SweeperSuite) TestBatchesUntilExhausted() {
	s.seedEvents(31*day, 32*day, 33*day, 34*day, 35*day, 1*day)

	n, err := s.sweeper(WithBatchSize(2)).Sweep(s.ctx, models.KindEvents, Days(30))
	s.Require().NoError(err)
	s.Equal(int64(5), n)
	s.Equal(1, s.store.Counts()[models.KindEvents])
}

func (s *SweeperSuite) TestKindsAreIndependent() {
	s.seedEvents(31 * day)
	s.seedRequests(31 * day)

	n, err := s.sweeper().Sweep(s.ctx, models.KindRequests, Days(30))
	s.Require().NoError(err)
	s.Equal(int64(1), n)
	s.Equal(1, s.store.Counts()[models.KindEvents])
	s.Equal(0, s.store.Counts()[models.KindRequests])
}

func (s *SweeperSuite) TestSweepAll() {
	s.seedEvents(31*day, 10*day)
	s.seedRequests(8*day, 6*day)

	sw := s.sweeper(WithPolicy(Policy{
		models.KindEvents:   Days(30),
		models.KindRequests: Days(7),
	}))
	counts, err := sw.SweepAll(s.ctx)
	s.Require().NoError(err)
	s.Equal(map[models.Kind]int64{
		models.KindEvents:           1,
		models.KindRequests:         1,
		models.KindOutgoingRequests: 0,
	}, counts)
}

// =============================================================================
// Store failures and locking
// =============================================================================

type SweeperMockSuite struct {
	suite.Suite
	ctrl   *gomock.Controller
	store  *mocks.MockStore
	locker *mocks.MockLocker
}

func TestSweeperMockSuite(t *testing.T) {
	suite.Run(t, new(SweeperMockSuite))
}

func (s *SweeperMockSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = mocks.NewMockStore(s.ctrl)
	s.locker = mocks.NewMockLocker(s.ctrl)
}

func (s *SweeperMockSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *SweeperMockSuite) TestSelectFailure() {
	s.store.EXPECT().ExpiredIDs(gomock.Any(), models.KindEvents, gomock.Any(), DefaultBatchSize).
		Return(nil, errors.New("db down"))

	sw, err := New(s.store)
	s.Require().NoError(err)
	_, err = sw.Sweep(context.Background(), models.KindEvents, Days(30))
	s.True(dErrors.HasCode(err, dErrors.CodePersistence))
}

func (s *SweeperMockSuite) TestDeleteFailureReportsPartialCount() {
	first := []uuid.UUID{uuid.New(), uuid.New()}
	second := []uuid.UUID{uuid.New()}
	gomock.InOrder(
		s.store.EXPECT().ExpiredIDs(gomock.Any(), models.KindRequests, gomock.Any(), 2).Return(first, nil),
		s.store.EXPECT().DeleteBatch(gomock.Any(), models.KindRequests, first).Return(int64(2), nil),
		s.store.EXPECT().ExpiredIDs(gomock.Any(), models.KindRequests, gomock.Any(), 2).Return(second, nil),
		s.store.EXPECT().DeleteBatch(gomock.Any(), models.KindRequests, second).Return(int64(0), errors.New("deadlock")),
	)

	sw, err := New(s.store, WithBatchSize(2))
	s.Require().NoError(err)
	n, err := sw.Sweep(context.Background(), models.KindRequests, Days(7))
	s.Error(err)
	s.Equal(int64(2), n)
}

func (s *SweeperMockSuite) TestThresholdIsNowMinusDays() {
	now := time.Date(2026, 3, 31, 8, 0, 0, 0, time.UTC)
	s.store.EXPECT().ExpiredIDs(gomock.Any(), models.KindOutgoingRequests, now.Add(-14*day), DefaultBatchSize).
		Return(nil, nil)

	sw, err := New(s.store, WithClock(func() time.Time { return now }))
	s.Require().NoError(err)
	n, err := sw.Sweep(context.Background(), models.KindOutgoingRequests, Days(14))
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *SweeperMockSuite) TestLockHeldElsewhereSkips() {
	s.locker.EXPECT().Acquire(gomock.Any(), "audit:retention:events", DefaultLockTTL).Return(nil, false, nil)

	sw, err := New(s.store, WithLocker(s.locker, 0))
	s.Require().NoError(err)
	n, err := sw.Sweep(context.Background(), models.KindEvents, Days(30))
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *SweeperMockSuite) TestLockReleasedAfterSweep() {
	released := false
	s.locker.EXPECT().Acquire(gomock.Any(), "audit:retention:requests", time.Minute).Return(
		func(context.Context) error { released = true; return nil }, true, nil)
	s.store.EXPECT().ExpiredIDs(gomock.Any(), models.KindRequests, gomock.Any(), gomock.Any()).Return(nil, nil)

	sw, err := New(s.store, WithLocker(s.locker, time.Minute))
	s.Require().NoError(err)
	_, err = sw.Sweep(context.Background(), models.KindRequests, Days(1))
	s.Require().NoError(err)
	s.True(released)
}

func (s *SweeperMockSuite) TestLockError() {
	s.locker.EXPECT().Acquire(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, false, errors.New("redis down"))

	sw, err := New(s.store, WithLocker(s.locker, 0))
	s.Require().NoError(err)
	_, err = sw.Sweep(context.Background(), models.KindEvents, Days(30))
	s.True(dErrors.HasCode(err, dErrors.CodePersistence))
}

func (s *SweeperMockSuite) TestBatchTakenByConcurrentSweepKeepsGoing() {
	taken := []uuid.UUID{uuid.New(), uuid.New()}
	older := []uuid.UUID{uuid.New(), uuid.New()}
	last := []uuid.UUID{uuid.New()}
	gomock.InOrder(
		s.store.EXPECT().ExpiredIDs(gomock.Any(), models.KindEvents, gomock.Any(), 2).Return(taken, nil),
		s.store.EXPECT().DeleteBatch(gomock.Any(), models.KindEvents, taken).Return(int64(0), nil),
		s.store.EXPECT().ExpiredIDs(gomock.Any(), models.KindEvents, gomock.Any(), 2).Return(older, nil),
		s.store.EXPECT().DeleteBatch(gomock.Any(), models.KindEvents, older).Return(int64(2), nil),
		s.store.EXPECT().ExpiredIDs(gomock.Any(), models.KindEvents, gomock.Any(), 2).Return(last, nil),
		s.store.EXPECT().DeleteBatch(gomock.Any(), models.KindEvents, last).Return(int64(1), nil),
	)

	sw, err := New(s.store, WithBatchSize(2))
	s.Require().NoError(err)
	n, err := sw.Sweep(context.Background(), models.KindEvents, Days(30))
	s.Require().NoError(err)
	s.Equal(int64(3), n)
}

func (s *SweeperMockSuite) TestUndeletableBatchStops() {
	stuck := []uuid.UUID{uuid.New(), uuid.New()}
	gomock.InOrder(
		s.store.EXPECT().ExpiredIDs(gomock.Any(), models.KindEvents, gomock.Any(), 2).Return(stuck, nil),
		s.store.EXPECT().DeleteBatch(gomock.Any(), models.KindEvents, stuck).Return(int64(0), nil),
		s.store.EXPECT().ExpiredIDs(gomock.Any(), models.KindEvents, gomock.Any(), 2).Return(stuck, nil),
	)

	sw, err := New(s.store, WithBatchSize(2))
	s.Require().NoError(err)
	n, err := sw.Sweep(context.Background(), models.KindEvents, Days(30))
	s.Require().NoError(err)
	s.Zero(n)
}
