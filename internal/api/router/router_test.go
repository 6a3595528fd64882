package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softchor/jobdispatch/internal/api/handler"
	"github.com/softchor/jobdispatch/internal/api/model"
	"github.com/softchor/jobdispatch/internal/api/router"
	"github.com/softchor/jobdispatch/internal/api/storage"
	"github.com/softchor/jobdispatch/internal/codec"
	"github.com/softchor/jobdispatch/internal/dispatch"
	"github.com/softchor/jobdispatch/internal/domain"
	"github.com/softchor/jobdispatch/shared/rabbitmq"
	"github.com/softchor/jobdispatch/shared/rabbitmq/rabbitmqtest"
)

const songID = "5b1e0c2a-7d3f-4e8b-9a1c-2f4d6e8b0a13"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSongs struct {
	mu      sync.Mutex
	songs   map[string]model.Song
	list    []model.Song
	err     error
	filters []storage.SongFilter
}

func (f *fakeSongs) GetSong(_ context.Context, id string) (*model.Song, error) {
	if f.err != nil {
		return nil, f.err
	}
	song, ok := f.songs[id]
	if !ok {
		return nil, storage.ErrSongNotFound
	}
	return &song, nil
}

func (f *fakeSongs) ListSongs(_ context.Context, filter storage.SongFilter) ([]model.Song, error) {
	f.mu.Lock()
	f.filters = append(f.filters, filter)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	return f.list, nil
}

type dispatchCall struct {
	jobID    string
	taskType string
	params   domain.TaskParams
	deadline bool
}

type fakeDispatcher struct {
	err   error
	calls []dispatchCall
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, jobID, taskType string, params domain.TaskParams) (dispatch.Result, error) {
	_, hasDeadline := ctx.Deadline()
	f.calls = append(f.calls, dispatchCall{jobID, taskType, params, hasDeadline})
	if f.err != nil {
		return dispatch.Result{}, f.err
	}
	return dispatch.Result{Enqueued: true}, nil
}

type fakeDatabase struct{ err error }

func (f fakeDatabase) HealthCheck(context.Context) error { return f.err }

type fakeBroker struct{ state rabbitmq.State }

func (f fakeBroker) Status() rabbitmq.State { return f.state }

func newDeps(songs *fakeSongs, dispatcher handler.Dispatcher) *handler.Dependencies {
	return &handler.Dependencies{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Songs:          songs,
		Dispatcher:     dispatcher,
		Database:       fakeDatabase{},
		Broker:         fakeBroker{state: rabbitmq.StateClosed},
		PublishTimeout: time.Second,
		KeyPrefix:      "uploads",
		ServiceName:    "score-api",
	}
}

func knownSong() *fakeSongs {
	return &fakeSongs{songs: map[string]model.Song{
		songID: {ID: songID, Title: "Ave Verum", Status: domain.SongStatusPending, CreatedAt: time.Now()},
	}}
}

func serve(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestCreateJob_Accepted(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	r := router.SetupRouter(newDeps(knownSong(), dispatcher))

	w := serve(r, http.MethodPost, "/api/v1/jobs",
		`{"job_id":"`+songID+`","task_type":"generate_xml_from_input","input_key":"uploads/5b1e.pdf"}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"enqueued":true}`, w.Body.String())

	require.Len(t, dispatcher.calls, 1)
	call := dispatcher.calls[0]
	assert.Equal(t, songID, call.jobID)
	assert.Equal(t, "generate_xml_from_input", call.taskType)
	assert.Equal(t, domain.TaskParams{InputKey: "uploads/5b1e.pdf"}, call.params)
	assert.True(t, call.deadline, "dispatch runs under the publish timeout")
}

func TestCreateJob_Errors(t *testing.T) {
	validBody := `{"job_id":"` + songID + `","task_type":"generate_xml_from_input","input_key":"uploads/5b1e.pdf"}`

	tests := []struct {
		name          string
		body          string
		storeErr      error
		dispatchErr   error
		wantStatus    int
		wantBody      map[string]any
		wantDispatchN int
	}{
		{
			name:       "malformed json",
			body:       `{"job_id":`,
			wantStatus: http.StatusBadRequest,
			wantBody:   map[string]any{"error": "invalid request body"},
		},
		{
			name:       "job id not a uuid",
			body:       `{"job_id":"42","task_type":"generate_xml_from_input","input_key":"a"}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   map[string]any{"error": "invalid request", "field": "job_id", "reason": "must be a valid UUID"},
		},
		{
			name:       "unknown song",
			body:       `{"job_id":"0f8fad5b-d9cb-469f-a165-70867728950e","task_type":"generate_xml_from_input","input_key":"a"}`,
			wantStatus: http.StatusNotFound,
			wantBody:   map[string]any{"error": "job not found"},
		},
		{
			name:       "unknown task type on unknown song",
			body:       `{"job_id":"0f8fad5b-d9cb-469f-a165-70867728950e","task_type":"transcribe_audio","input_key":"a"}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   map[string]any{"error": "invalid request", "field": "task_type", "reason": "must be one of [generate_xml_from_input generate_voices_from_xml]"},
		},
		{
			name:       "empty input key on unknown song",
			body:       `{"job_id":"0f8fad5b-d9cb-469f-a165-70867728950e","task_type":"generate_voices_from_xml","input_key":""}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   map[string]any{"error": "invalid request", "field": "task_params.input_key", "reason": "is required"},
		},
		{
			name:       "song lookup fails",
			body:       validBody,
			storeErr:   errors.New("connection refused"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   map[string]any{"error": "failed to load job"},
		},
		{
			name:          "dispatch validation error",
			body:          validBody,
			dispatchErr:   domain.NewValidationError("task_type", "must be one of [generate_xml_from_input generate_voices_from_xml]"),
			wantStatus:    http.StatusBadRequest,
			wantBody:      map[string]any{"error": "invalid request", "field": "task_type", "reason": "must be one of [generate_xml_from_input generate_voices_from_xml]"},
			wantDispatchN: 1,
		},
		{
			name:          "configuration error",
			body:          validBody,
			dispatchErr:   fmt.Errorf("%w: %w", domain.ErrConfiguration, rabbitmq.ErrNotConfigured),
			wantStatus:    http.StatusServiceUnavailable,
			wantBody:      map[string]any{"error": "job queue unavailable"},
			wantDispatchN: 1,
		},
		{
			name:          "broker unavailable",
			body:          validBody,
			dispatchErr:   fmt.Errorf("%w: dial tcp: refused", domain.ErrBrokerUnavailable),
			wantStatus:    http.StatusServiceUnavailable,
			wantBody:      map[string]any{"error": "job queue unavailable"},
			wantDispatchN: 1,
		},
		{
			name:          "publish failed",
			body:          validBody,
			dispatchErr:   fmt.Errorf("%w: %w", domain.ErrPublishFailed, rabbitmq.ErrNacked),
			wantStatus:    http.StatusServiceUnavailable,
			wantBody:      map[string]any{"error": "job queue unavailable"},
			wantDispatchN: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			songs := knownSong()
			songs.err = tt.storeErr
			dispatcher := &fakeDispatcher{err: tt.dispatchErr}
			r := router.SetupRouter(newDeps(songs, dispatcher))

			w := serve(r, http.MethodPost, "/api/v1/jobs", tt.body)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantBody, decode(t, w))
			assert.Len(t, dispatcher.calls, tt.wantDispatchN)
		})
	}
}

func TestCreateJob_PublishesThroughBroker(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := rabbitmqtest.NewBroker()
	manager := rabbitmq.NewManager(&rabbitmq.Config{URL: "amqp://localhost", QueueName: "song_jobs"},
		logger, rabbitmq.WithDialer(broker.Dial))
	t.Cleanup(func() { _ = manager.Close() })

	service := dispatch.NewService(codec.New(), manager, rabbitmq.NewPublisher(logger), logger)
	deps := newDeps(knownSong(), service)
	deps.Broker = manager
	r := router.SetupRouter(deps)

	w := serve(r, http.MethodPost, "/api/v1/jobs",
		`{"job_id":"`+songID+`","task_type":"generate_voices_from_xml","input_key":"jobs/`+songID+`/music.xml"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	published := broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t,
		`{"job_id":"`+songID+`","task_type":"generate_voices_from_xml","task_params":{"input_key":"jobs/`+songID+`/music.xml"}}`,
		string(published[0].Publishing.Body))

	w = serve(r, http.MethodPost, "/api/v1/jobs",
		`{"job_id":"`+songID+`","task_type":"render_pdf","input_key":"a"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "task_type", decode(t, w)["field"])
	assert.Len(t, broker.Published(), 1)

	w = serve(r, http.MethodGet, "/health", "")
	assert.Equal(t, "connected", decode(t, w)["broker"])
}

func TestGetJob(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := "processor exited with status 1"
	songs := &fakeSongs{songs: map[string]model.Song{
		songID: {
			ID:           songID,
			Title:        "Ave Verum",
			Status:       domain.SongStatusFailed,
			Progress:     30,
			ErrorMessage: &msg,
			StartedAt:    &started,
			CreatedAt:    started.Add(-time.Hour),
		},
	}}
	r := router.SetupRouter(newDeps(songs, &fakeDispatcher{}))

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"found", "/api/v1/jobs/" + songID, http.StatusOK},
		{"bad uuid", "/api/v1/jobs/not-a-uuid", http.StatusBadRequest},
		{"missing", "/api/v1/jobs/0f8fad5b-d9cb-469f-a165-70867728950e", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(r, http.MethodGet, tt.path, "")
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}

	w := serve(r, http.MethodGet, "/api/v1/jobs/"+songID, "")
	body := decode(t, w)
	assert.Equal(t, songID, body["job_id"])
	assert.Equal(t, "FAILED", body["status"])
	assert.Equal(t, float64(30), body["progress"])
	assert.Equal(t, msg, body["error_message"])
	assert.Equal(t, "2026-03-01T12:00:00Z", body["started_at"])
	assert.Nil(t, body["finished_at"])
}

func TestListJobs(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ids := []string{
		"0f8fad5b-d9cb-469f-a165-70867728950e",
		"7c9e6679-7425-40de-944b-e07fc1f90ae7",
		"01890a5d-ac96-774b-bcce-b302099a8057",
	}
	songs := &fakeSongs{}
	for i, id := range ids {
		songs.list = append(songs.list, model.Song{ID: id, Status: "COMPLETED", CreatedAt: base.Add(-time.Duration(i) * time.Minute)})
	}
	r := router.SetupRouter(newDeps(songs, &fakeDispatcher{}))

	w := serve(r, http.MethodGet, "/api/v1/jobs?page_size=2&status=COMPLETED", "")
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Jobs []struct {
			JobID string `json:"job_id"`
		} `json:"jobs"`
		NextCursor string `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Jobs, 2)
	assert.Equal(t, ids[1], page.Jobs[1].JobID)
	require.NotEmpty(t, page.NextCursor)

	w = serve(r, http.MethodGet, "/api/v1/jobs?cursor="+page.NextCursor, "")
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, songs.filters, 2)
	assert.Equal(t, storage.SongFilter{Status: "COMPLETED", PageSize: 2}, songs.filters[0])
	assert.Equal(t, 20, songs.filters[1].PageSize)
	require.NotNil(t, songs.filters[1].Cursor)
	assert.Equal(t, ids[1], songs.filters[1].Cursor.ID)
	assert.True(t, base.Add(-time.Minute).Equal(songs.filters[1].Cursor.CreatedAt))

	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodGet, "/api/v1/jobs?status=DONE", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodGet, "/api/v1/jobs?cursor=bm90LWEtY3Vyc29y", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodGet, "/api/v1/jobs?page_size=ten", "").Code)
}

func TestListJobs_PageSizeBounds(t *testing.T) {
	tests := []struct {
		query      string
		wantStatus int
		wantSize   int
	}{
		{"", http.StatusOK, 20},
		{"?page_size=0", http.StatusOK, 20},
		{"?page_size=1", http.StatusOK, 1},
		{"?page_size=100", http.StatusOK, 100},
		{"?page_size=101", http.StatusBadRequest, 0},
		{"?page_size=500", http.StatusBadRequest, 0},
		{"?page_size=-1", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run("page_size"+tt.query, func(t *testing.T) {
			songs := &fakeSongs{}
			r := router.SetupRouter(newDeps(songs, &fakeDispatcher{}))

			w := serve(r, http.MethodGet, "/api/v1/jobs"+tt.query, "")

			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, map[string]any{
					"error":  "invalid query parameters",
					"field":  "page_size",
					"reason": "must be between 1 and 100",
				}, decode(t, w))
				assert.Empty(t, songs.filters)
				return
			}
			require.Len(t, songs.filters, 1)
			assert.Equal(t, tt.wantSize, songs.filters[0].PageSize)
		})
	}
}

func TestCreateStorageKey(t *testing.T) {
	r := router.SetupRouter(newDeps(knownSong(), &fakeDispatcher{}))

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantPrefix string
		wantSuffix string
	}{
		{"default prefix", `{"filename":"Ave Verum.PDF"}`, http.StatusCreated, "uploads/", ".pdf"},
		{"custom prefix", `{"filename":"scan.png","prefix":"scans"}`, http.StatusCreated, "scans/", ".png"},
		{"no extension", `{"filename":"score"}`, http.StatusCreated, "uploads/", ""},
		{"missing filename", `{}`, http.StatusBadRequest, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(r, http.MethodPost, "/api/v1/storage/keys", tt.body)
			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusCreated {
				return
			}

			key, _ := decode(t, w)["key"].(string)
			assert.True(t, strings.HasPrefix(key, tt.wantPrefix), key)
			assert.True(t, strings.HasSuffix(key, tt.wantSuffix), key)
			assert.Len(t, strings.TrimSuffix(strings.TrimPrefix(key, tt.wantPrefix), tt.wantSuffix), 36)
		})
	}
}

func TestHealth(t *testing.T) {
	deps := newDeps(knownSong(), &fakeDispatcher{})
	w := serve(router.SetupRouter(deps), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{
		"status":   "healthy",
		"service":  "score-api",
		"database": "up",
		"broker":   "closed",
	}, decode(t, w))

	deps.Database = fakeDatabase{err: errors.New("timeout")}
	w = serve(router.SetupRouter(deps), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "down", decode(t, w)["database"])
}

func TestCORSPreflight(t *testing.T) {
	r := router.SetupRouter(newDeps(knownSong(), &fakeDispatcher{}))

	w := serve(r, http.MethodOptions, "/api/v1/jobs", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	r := router.SetupRouter(newDeps(knownSong(), &fakeDispatcher{}))

	serve(r, http.MethodGet, "/health", "")
	w := serve(r, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `http_requests_total{code="200",method="GET",path="/health"}`)
}
