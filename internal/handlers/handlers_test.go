package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.symposium/internal/debate"
	"dev.helix.symposium/internal/llm"
	"dev.helix.symposium/internal/progress"
	"dev.helix.symposium/internal/retrieval"
)

type stubCompleter struct {
	reply string
}

func (s *stubCompleter) Complete(ctx context.Context, system, user string, opts llm.Options) (string, error) {
	if s.reply == "" {
		return "a considered position", nil
	}
	return s.reply, nil
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fixture struct {
	engine   *gin.Engine
	registry *progress.Registry
	service  *debate.Service
	index    *retrieval.MemoryIndex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := newTestLogger()
	registry := progress.NewRegistry(logger)

	index := retrieval.NewMemoryIndex(retrieval.NewHashEmbedder(64))
	vector := retrieval.NewVectorSource(index, logger)
	rewriter := retrieval.NewRewriter(&stubCompleter{}, logger)
	fusion := retrieval.NewEngine(vector, nil, rewriter, nil, logger)

	cfg := debate.DefaultServiceConfig()
	service := debate.NewService(registry, fusion, &stubCompleter{}, cfg, logger)

	router := &Router{
		Debate: NewDebateHandler(service, logger),
		Search: NewSearchHandler(fusion, index, retrieval.DefaultFuseConfig(), logger),
		Events: NewEventsHandler(registry, logger),
	}
	return &fixture{
		engine:   router.Setup(gin.TestMode),
		registry: registry,
		service:  service,
		index:    index,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func validCreate() debate.CreateSessionRequest {
	return debate.CreateSessionRequest{
		Topic: "Is free will an illusion?",
		Participants: []debate.ParticipantRequest{
			{Name: "Advocate", Role: debate.RolePro, Stance: "free will is real"},
			{Name: "Skeptic", Role: debate.RoleCon, Stance: "determinism rules"},
			{Name: "Chair", Role: debate.RoleModerator},
		},
	}
}

func createSession(t *testing.T, f *fixture) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/debates", validCreate())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["session_id"])
	return resp["session_id"]
}

func TestCreateAndGetDebate(t *testing.T) {
	f := newFixture(t)
	id := createSession(t, f)
	defer f.service.CloseSession(id)

	rec := f.do(t, http.MethodGet, "/api/v1/debates/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info debate.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "Is free will an illusion?", info.Topic)
	assert.Len(t, info.Participants, 3)
}

func TestCreateRejectsBadRoster(t *testing.T) {
	f := newFixture(t)

	req := validCreate()
	req.Participants = req.Participants[:1] // missing con and moderator
	rec := f.do(t, http.MethodPost, "/api/v1/debates", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/debates", map[string]int{"topic": 7})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownSessionReturns404(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{
		"/api/v1/debates/missing",
		"/api/v1/debates/missing/progress",
		"/api/v1/debates/missing/speaker",
		"/api/v1/debates/missing/transcript",
	} {
		rec := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	rec := f.do(t, http.MethodDelete, "/api/v1/debates/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/debates/missing/respond", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForceUnknownParticipant(t *testing.T) {
	f := newFixture(t)
	id := createSession(t, f)
	defer f.service.CloseSession(id)

	rec := f.do(t, http.MethodPost, "/api/v1/debates/"+id+"/participants/nobody/force", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressEndpoint(t *testing.T) {
	f := newFixture(t)
	id := createSession(t, f)
	defer f.service.CloseSession(id)

	rec := f.do(t, http.MethodGet, "/api/v1/debates/"+id+"/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap progress.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.GreaterOrEqual(t, snap.Percentage, 0.0)
	assert.LessOrEqual(t, snap.Percentage, 100.0)
}

func TestCloseDetachesSession(t *testing.T) {
	f := newFixture(t)
	id := createSession(t, f)

	rec := f.do(t, http.MethodDelete, "/api/v1/debates/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/debates/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestAndFuse(t *testing.T) {
	f := newFixture(t)

	ingest := IngestRequest{
		DocID: "republic",
		Chunks: []string{
			"Justice in the city mirrors justice in the soul.",
			"The philosopher king rules through knowledge of the good.",
		},
		Metadata: map[string]interface{}{"author": "Plato"},
	}
	rec := f.do(t, http.MethodPost, "/api/v1/search/documents", ingest)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/search/fuse", FuseRequest{Query: "what is justice in the soul"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Results []retrieval.FusedResult `json:"results"`
		Count   int                     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, len(resp.Results), resp.Count)
	assert.NotEmpty(t, resp.Results)
}

func TestFuseRejectsInvalidConfig(t *testing.T) {
	f := newFixture(t)

	bad := retrieval.DefaultFuseConfig()
	bad.VectorWeight = 1.5
	rec := f.do(t, http.MethodPost, "/api/v1/search/fuse", FuseRequest{Query: "ethics", Config: &bad})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/search/fuse", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsStreamNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/debates/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "symposium_")
}

func TestMetricsLabelsStable(t *testing.T) {
	// Two fixtures must not double-register collectors.
	_ = newFixture(t)
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
