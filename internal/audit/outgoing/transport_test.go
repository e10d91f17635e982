package outgoing

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"audittrail/internal/audit/correlation"
	"audittrail/internal/audit/models"
	"audittrail/internal/audit/redact"
	"audittrail/internal/audit/store/memory"
	"audittrail/pkg/requestcontext"
)

type TransportSuite struct {
	suite.Suite
	store    *memory.InMemoryStore
	upstream *httptest.Server
	received http.Header
	client   *http.Client
}

func TestTransportSuite(t *testing.T) {
	suite.Run(t, new(TransportSuite))
}

func (s *TransportSuite) SetupTest() {
	s.store = memory.NewInMemoryStore()
	s.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.received = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"echo":` + string(body) + `,"access_token":"t"}`))
	}))
	s.T().Cleanup(s.upstream.Close)

	tr, err := New(s.store, redact.New(), WithAllocator(correlation.New()))
	s.Require().NoError(err)
	s.client = tr.Client(0)
}

func (s *TransportSuite) only() models.OutgoingRequestLog {
	logs, err := s.store.ListOutgoing(context.Background(), models.RequestFilter{})
	s.Require().NoError(err)
	s.Require().Len(logs, 1)
	return logs[0]
}

func (s *TransportSuite) TestLogsCallAndPropagatesReference() {
	ctx := requestcontext.WithReferenceID(context.Background(), "ref-out")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.upstream.URL+"/pay?api_key=k&mode=test", strings.NewReader(`{"amount":5,"cvv":"123"}`))
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer x")

	resp, err := s.client.Do(req)
	s.Require().NoError(err)
	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	s.Require().NoError(resp.Body.Close())

	s.Contains(string(body), `"cvv":"123"`, "caller still reads the full response")
	s.Equal("ref-out", s.received.Get(correlation.DefaultHeader))
	s.Empty(req.Header.Get(correlation.DefaultHeader), "caller's request is not modified")

	log := s.only()
	s.Equal("ref-out", *log.ReferenceID)
	s.Equal(http.StatusAccepted, *log.StatusCode)
	s.Nil(log.ErrorMessage)
	s.NotContains(log.URL, "api_key=k")
	s.Contains(log.URL, "mode=test")
	s.Equal(redact.Marker, log.RequestHeaders["authorization"])
	s.Equal(redact.Marker, log.RequestBody["cvv"])
	s.Equal(redact.Marker, log.ResponseBody["access_token"])
	echo, ok := log.ResponseBody["echo"].(map[string]any)
	s.Require().True(ok)
	s.Equal(redact.Marker, echo["cvv"])
}

func (s *TransportSuite) TestConnectionFailureRecordsError() {
	s.upstream.Close()
	_, err := s.client.Get(s.upstream.URL + "/gone")
	s.Require().Error(err)

	log := s.only()
	s.Nil(log.StatusCode)
	s.Require().NotNil(log.ErrorMessage)
	s.NotEmpty(*log.ErrorMessage)
	s.Nil(log.ReferenceID)
}

type failingStore struct{}

func (failingStore) InsertOutgoing(context.Context, *models.OutgoingRequestLog) error {
	return errors.New("db down")
}

func (s *TransportSuite) TestStoreFailureDoesNotFailCall() {
	tr, err := New(failingStore{}, redact.New())
	s.Require().NoError(err)

	resp, err := tr.Client(0).Get(s.upstream.URL)
	s.Require().NoError(err)
	s.Equal(http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()
}
