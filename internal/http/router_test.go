package http

import (
	"bytes"
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/contentforge-backend/internal/data/repos"
	"github.com/yungbote/contentforge-backend/internal/data/repos/testutil"
	"github.com/yungbote/contentforge-backend/internal/domain/jobs"
	httpH "github.com/yungbote/contentforge-backend/internal/http/handlers"
	"github.com/yungbote/contentforge-backend/internal/jobs/orchestrator"
	jobrt "github.com/yungbote/contentforge-backend/internal/jobs/runtime"
	"github.com/yungbote/contentforge-backend/internal/platform/dbctx"
	"github.com/yungbote/contentforge-backend/internal/realtime"
	"github.com/yungbote/contentforge-backend/internal/retrieval"
	"github.com/yungbote/contentforge-backend/internal/services"
)

type briefInput struct {
	Title string `json:"title" validate:"required"`
}

type api struct {
	t     *testing.T
	r     *gin.Engine
	rs    repos.Set
	calls int
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.DB(t)
	log := testutil.Logger(t)
	rs := repos.NewSet(db, log)
	a := &api{t: t, rs: rs}

	catalog := orchestrator.NewCatalog()
	require.NoError(t, catalog.Add(&orchestrator.Pipeline{
		Kind: jobs.KindLongContent,
		Stages: []orchestrator.Stage{{
			Name:   "outline",
			EndPct: 100,
			Run: func(*jobrt.Context, *orchestrator.State) (orchestrator.Output, error) {
				a.calls++
				return orchestrator.Text{Text: "outline"}, nil
			},
		}},
		Input: orchestrator.DecodeInput(func(*briefInput) {}),
	}))

	hub := realtime.NewSSEHub(log)
	jobSvc := services.NewJobService(db, log, rs, catalog, services.NewJobNotifier(log, hub, nil))
	asm := retrieval.NewAssembler(log, rs.Documents, retrieval.LexicalScorer{}, retrieval.Config{})
	docSvc := services.NewDocumentService(log, rs.Documents, asm)

	a.r = NewRouter(RouterConfig{
		Log:             log,
		JobHandler:      httpH.NewJobHandler(jobSvc),
		DocumentHandler: httpH.NewDocumentHandler(docSvc),
		RealtimeHandler: httpH.NewRealtimeHandler(log, hub, jobSvc),
		HealthHandler:   httpH.NewHealthHandler(db),
	})
	return a
}

func (a *api) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.r.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	a := newAPI(t)

	rec := a.do(nethttp.MethodPost, "/api/jobs", map[string]any{"kind": "long_content", "input": map[string]any{"title": "Go at scale"}})
	require.Equal(t, nethttp.StatusCreated, rec.Code, rec.Body.String())
	created := decode[struct {
		Job jobs.Job `json:"job"`
	}](t, rec)
	id := created.Job.ID.String()

	rec = a.do(nethttp.MethodGet, "/api/jobs/"+id, nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	st := decode[services.JobStatus](t, rec)
	assert.Equal(t, jobs.StatusPending, st.Status)

	rec = a.do(nethttp.MethodPost, "/api/jobs/"+id+"/retry", nil)
	assert.Equal(t, nethttp.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state_transition", decode[errorBody](t, rec).Error.Code)

	rec = a.do(nethttp.MethodPost, "/api/jobs/"+id+"/cancel", nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)

	rec = a.do(nethttp.MethodGet, "/api/jobs/"+id+"/events", nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	evs := decode[struct {
		Events []jobs.Event `json:"events"`
	}](t, rec)
	require.Len(t, evs.Events, 2)
	assert.Equal(t, jobs.EventCreated, evs.Events[0].Kind)
	assert.Equal(t, jobs.EventCancelled, evs.Events[1].Kind)
}

func TestJobErrorsOverHTTP(t *testing.T) {
	a := newAPI(t)

	rec := a.do(nethttp.MethodPost, "/api/jobs", map[string]any{"kind": "long_content", "input": map[string]any{}})
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decode[errorBody](t, rec).Error.Code)

	rec = a.do(nethttp.MethodPost, "/api/jobs", map[string]any{"input": map[string]any{}})
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decode[errorBody](t, rec).Error.Code)

	req := httptest.NewRequest(nethttp.MethodPost, "/api/jobs", bytes.NewBufferString(`{"kind": "long_content",`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	a.r.ServeHTTP(rec, req)
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decode[errorBody](t, rec).Error.Code)

	rec = a.do(nethttp.MethodGet, "/api/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)
	assert.Equal(t, "job_not_found", decode[errorBody](t, rec).Error.Code)

	rec = a.do(nethttp.MethodGet, "/api/jobs/not-a-uuid", nil)
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)

	rec = a.do(nethttp.MethodGet, "/api/jobs/"+uuid.NewString()+"/stream", nil)
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)
}

func TestStageOutputOverHTTP(t *testing.T) {
	a := newAPI(t)
	rec := a.do(nethttp.MethodPost, "/api/jobs", map[string]any{"kind": "long_content", "input": map[string]any{"title": "x"}})
	require.Equal(t, nethttp.StatusCreated, rec.Code)
	id := decode[struct {
		Job jobs.Job `json:"job"`
	}](t, rec).Job.ID

	rec = a.do(nethttp.MethodGet, "/api/jobs/"+id.String()+"/outputs/outline", nil)
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)
	assert.Equal(t, "stage_output_not_found", decode[errorBody](t, rec).Error.Code)

	require.NoError(t, a.rs.StageOutputs.Upsert(dbctx.Context{Ctx: context.Background()}, &jobs.StageOutput{
		JobID: id, Stage: "outline", Data: []byte(`{"text":"outline"}`),
	}))
	rec = a.do(nethttp.MethodGet, "/api/jobs/"+id.String()+"/outputs/outline", nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.JSONEq(t, `{"stage":"outline","output":{"text":"outline"}}`, rec.Body.String())
}

func TestDocumentsOverHTTP(t *testing.T) {
	a := newAPI(t)

	rec := a.do(nethttp.MethodPost, "/api/documents", map[string]any{
		"type":    "article",
		"title":   "Channel patterns",
		"content": "fan-in and fan-out with channels",
		"tags":    []map[string]string{{"category": "author", "value": "ana"}},
	})
	require.Equal(t, nethttp.StatusCreated, rec.Code, rec.Body.String())
	id := decode[struct {
		Document struct {
			ID uuid.UUID `json:"id"`
		} `json:"document"`
	}](t, rec).Document.ID

	rec = a.do(nethttp.MethodGet, "/api/documents?tag=author:ana", nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	list := decode[struct {
		Documents []map[string]any `json:"documents"`
	}](t, rec)
	assert.Len(t, list.Documents, 1)

	rec = a.do(nethttp.MethodGet, "/api/documents?tag=nocolon", nil)
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)

	rec = a.do(nethttp.MethodPost, "/api/documents/"+id.String()+"/pin", nil)
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pinned":true`)

	rec = a.do(nethttp.MethodPost, "/api/documents/"+id.String()+"/pin", map[string]any{"pinned": false})
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pinned":false`)

	rec = a.do(nethttp.MethodPost, "/api/context/preview", map[string]any{"query": "channels"})
	require.Equal(t, nethttp.StatusOK, rec.Code)
	preview := decode[retrieval.Result](t, rec)
	assert.Contains(t, preview.Text, "Channel patterns")

	rec = a.do(nethttp.MethodDelete, "/api/documents/"+id.String(), nil)
	assert.Equal(t, nethttp.StatusNoContent, rec.Code)
	rec = a.do(nethttp.MethodGet, "/api/documents/"+id.String(), nil)
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)
	assert.Equal(t, "document_not_found", decode[errorBody](t, rec).Error.Code)
}

func TestHealthcheck(t *testing.T) {
	a := newAPI(t)
	rec := a.do(nethttp.MethodGet, "/healthcheck", nil)
	assert.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
