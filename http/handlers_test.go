package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"fittrack/auth"
	"fittrack/db"
	"fittrack/ml"
	"fittrack/monitoring"
	"fittrack/tracker"
)

// stubModel predicts 1500 kcal plus 0.05 per step.
type stubModel struct {
	state     ml.State
	reference *ml.Dataset
}

func (m *stubModel) State() ml.State { return m.state }

func (m *stubModel) Predict(f ml.Features) (float64, error) {
	if m.state != ml.StateTrained {
		return 0, ml.ErrModelUnavailable
	}
	return 1500 + float64(f.Steps)*0.05, nil
}

func (m *stubModel) Reference() *ml.Dataset {
	if m.reference == nil {
		return ml.EmptyDataset()
	}
	return m.reference
}

type testServer struct {
	handler http.Handler
	model   *stubModel
	store   db.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := db.NewCSVStore(t.TempDir(), false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tokens, err := auth.NewManager(auth.Config{Secret: "test-secret", Issuer: "fittrack-test", BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)

	model := &stubModel{
		state: ml.StateTrained,
		reference: &ml.Dataset{Columns: ml.CanonicalColumns(), Records: []ml.Record{
			{Features: ml.Features{Steps: 2000, Distance: 1.5, ActiveMinutes: 10, HeartRate: 60}, Calories: 1600},
			{Features: ml.Features{Steps: 12000, Distance: 9, ActiveMinutes: 80, HeartRate: 90}, Calories: 2700},
		}},
	}
	metrics, reg := monitoring.NewTestMetrics()
	now := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	svc := tracker.NewService(store, model, tokens, nil,
		tracker.WithClock(func() time.Time { return now }),
		tracker.WithRegistrationObserver(metrics),
	)

	handler := NewHandler(DefaultServerConfig(), Deps{
		Service:  svc,
		Model:    model,
		Tokens:   tokens,
		Metrics:  metrics,
		Gatherer: reg,
	})
	return &testServer{handler: handler, model: model, store: store}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) login(t *testing.T, username string) string {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/api/users", "", credentialsRequest{Username: username, Password: "secret"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = s.do(t, http.MethodPost, "/api/sessions", "", credentialsRequest{Username: username, Password: "secret"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok","model":"trained"}`, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	assert.Equal(t, "abc-123", rr.Header().Get("X-Request-ID"))
}

func TestRegisterLoginLogout(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/api/users", "", credentialsRequest{Username: "alice", Password: "secret"})
	require.Equal(t, http.StatusCreated, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "alice", body["username"])
	assert.NotContains(t, rr.Body.String(), "password")

	rr = s.do(t, http.MethodPost, "/api/users", "", credentialsRequest{Username: "alice", Password: "other1"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = s.do(t, http.MethodPost, "/api/users", "", credentialsRequest{Username: "bob", Password: "no"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodPost, "/api/users", "", credentialsRequest{Username: "bob", Password: strings.Repeat("p", 73)})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodPost, "/api/sessions", "", credentialsRequest{Username: "alice", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.do(t, http.MethodPost, "/api/sessions", "", credentialsRequest{Username: "alice", Password: "secret"})
	require.Equal(t, http.StatusOK, rr.Code)
	body = decodeBody(t, rr)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	assert.Equal(t, "alice", body["username"])

	rr = s.do(t, http.MethodGet, "/api/records", token, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(t, http.MethodDelete, "/api/sessions", token, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = s.do(t, http.MethodGet, "/api/records", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestInvalidJSON(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.JSONEq(t, `{"error":"invalid JSON body"}`, rr.Body.String())
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/predictions"},
		{http.MethodPut, "/api/records/today"},
		{http.MethodGet, "/api/records/today"},
		{http.MethodGet, "/api/records"},
		{http.MethodGet, "/api/comparison"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rr := s.do(t, tt.method, tt.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
		})
	}
}

func TestPredictFlow(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "alice")

	rr := s.do(t, http.MethodGet, "/api/records/today", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"date":"2024-05-01","recorded":false}`, rr.Body.String())

	// first prediction of the day is recorded straight away
	input := map[string]interface{}{"total_steps": 8000, "total_distance": 6.1, "total_active_minutes": 45, "heart_rate": 75}
	rr = s.do(t, http.MethodPost, "/api/predictions", token, input)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeBody(t, rr)
	assert.Equal(t, 1900.0, body["calories"])
	assert.Equal(t, "1,900.00", body["calories_formatted"])
	assert.Equal(t, "1,900.00", body["total_formatted"])
	assert.Equal(t, true, body["recorded"])
	assert.Equal(t, false, body["needs_confirmation"])
	assert.NotNil(t, body["comparison"])

	// second prediction without a mode asks for confirmation
	input["total_steps"] = 4000
	rr = s.do(t, http.MethodPost, "/api/predictions", token, input)
	require.Equal(t, http.StatusOK, rr.Code)
	body = decodeBody(t, rr)
	assert.Equal(t, true, body["needs_confirmation"])
	assert.Equal(t, false, body["recorded"])
	assert.Equal(t, "1,700.00", body["calories_formatted"])
	assert.NotContains(t, body, "total_formatted")

	rec, err := s.store.GetRecord(t.Context(), "alice", "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, 1900.0, rec.Calories)

	// confirming with add sums the day
	input["mode"] = "add"
	rr = s.do(t, http.MethodPost, "/api/predictions", token, input)
	require.Equal(t, http.StatusOK, rr.Code)
	body = decodeBody(t, rr)
	assert.Equal(t, true, body["recorded"])
	assert.Equal(t, "add", body["mode"])
	assert.Equal(t, "3,600.00", body["total_formatted"])

	input["mode"] = "merge"
	rr = s.do(t, http.MethodPost, "/api/predictions", token, input)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodGet, "/api/records/today", token, nil)
	assert.JSONEq(t, `{"date":"2024-05-01","recorded":true}`, rr.Body.String())

	rr = s.do(t, http.MethodGet, "/api/records", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var report struct {
		Username string           `json:"username"`
		Records  []db.DailyRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, "alice", report.Username)
	require.Len(t, report.Records, 1)
	assert.Equal(t, 3600.0, report.Records[0].Calories)
	assert.Equal(t, 12000, report.Records[0].Steps)
}

func TestUpdateToday(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "alice")

	// nothing to confirm yet
	rr := s.do(t, http.MethodPut, "/api/records/today", token, map[string]interface{}{"calories": 1e9})
	assert.Equal(t, http.StatusConflict, rr.Code)
	rr = s.do(t, http.MethodGet, "/api/records/today", token, nil)
	assert.JSONEq(t, `{"date":"2024-05-01","recorded":false}`, rr.Body.String())

	rr = s.do(t, http.MethodPost, "/api/predictions", token, map[string]interface{}{"total_steps": 8000})
	require.Equal(t, http.StatusOK, rr.Code)
	rr = s.do(t, http.MethodPost, "/api/predictions", token, map[string]interface{}{"total_steps": 4000})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, true, decodeBody(t, rr)["needs_confirmation"])

	rr = s.do(t, http.MethodPut, "/api/records/today", token, map[string]interface{}{"mode": "merge"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// a client supplied calorie value is ignored
	rr = s.do(t, http.MethodPut, "/api/records/today", token, map[string]interface{}{"calories": 1e9, "mode": "add"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeBody(t, rr)
	assert.Equal(t, "add", body["mode"])
	assert.Equal(t, "3,600.00", body["total_formatted"])

	rr = s.do(t, http.MethodPut, "/api/records/today", token, map[string]interface{}{"mode": "add"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	// an empty body confirms with replace
	rr = s.do(t, http.MethodPost, "/api/predictions", token, map[string]interface{}{"total_steps": 2000})
	require.Equal(t, http.StatusOK, rr.Code)
	rr = s.do(t, http.MethodPut, "/api/records/today", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body = decodeBody(t, rr)
	assert.Equal(t, "replace", body["mode"])
	assert.Equal(t, "1,600.00", body["total_formatted"])

	rr = s.do(t, http.MethodGet, "/api/leaderboard", "", nil)
	assert.JSONEq(t, `{"date":"2024-05-01","entries":[{"username":"alice","calories":1600}]}`, rr.Body.String())
}

func TestPredictModelUnavailable(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "alice")
	s.model.state = ml.StateUnavailable

	rr := s.do(t, http.MethodPost, "/api/predictions", token, map[string]interface{}{"total_steps": 8000})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"error":"model unavailable"}`, rr.Body.String())

	rr = s.do(t, http.MethodGet, "/api/health", "", nil)
	assert.JSONEq(t, `{"status":"ok","model":"unavailable"}`, rr.Body.String())
}

func TestComparison(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "alice")

	rr := s.do(t, http.MethodGet, "/api/comparison?total_steps=5000&total_distance=20&total_active_minutes=5&heart_rate=300", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"heart_rate":100,"total_steps":50,"total_distance":100,"total_active_minutes":0}`, rr.Body.String())

	rr = s.do(t, http.MethodGet, "/api/comparison?total_steps=lots", token, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	s.model.reference = ml.EmptyDataset()
	rr = s.do(t, http.MethodGet, "/api/comparison?total_steps=5000", token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestLeaderboard(t *testing.T) {
	s := newTestServer(t)
	alice := s.login(t, "alice")
	bob := s.login(t, "bob")

	rr := s.do(t, http.MethodPost, "/api/predictions", alice, map[string]interface{}{"total_steps": 12000})
	require.Equal(t, http.StatusOK, rr.Code)
	rr = s.do(t, http.MethodPost, "/api/predictions", bob, map[string]interface{}{"total_steps": 28000})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(t, http.MethodGet, "/api/leaderboard", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"date":"2024-05-01","entries":[{"username":"bob","calories":2900},{"username":"alice","calories":2100}]}`, rr.Body.String())

	rr = s.do(t, http.MethodGet, "/api/leaderboard?limit=1", "", nil)
	assert.JSONEq(t, `{"date":"2024-05-01","entries":[{"username":"bob","calories":2900}]}`, rr.Body.String())

	rr = s.do(t, http.MethodGet, "/api/leaderboard?date=2024-04-30", "", nil)
	assert.JSONEq(t, `{"date":"2024-04-30","entries":[]}`, rr.Body.String())

	rr = s.do(t, http.MethodGet, "/api/leaderboard?date=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodGet, "/api/leaderboard?limit=-3", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.login(t, "alice")
	s.do(t, http.MethodGet, "/api/health", "", nil)

	rr := s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	out := rr.Body.String()
	assert.Contains(t, out, "fittrack_test_registrations_total 1")
	assert.Contains(t, out, `route="GET /api/health"`)
	assert.Contains(t, out, `route="POST /api/users"`)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/predictions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddleware(t *testing.T) {
	metrics, _ := monitoring.NewTestMetrics()
	handler := RecoveryMiddleware(zap.NewNop(), metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
