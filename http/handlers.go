package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"fittrack/auth"
	"fittrack/db"
	"fittrack/ml"
	"fittrack/tracker"
)

type handlers struct {
	svc     *tracker.Service
	model   ModelStatus
	tokens  *auth.Manager
	deps    Deps
	printer *message.Printer
	logger  *zap.Logger
}

func newHandlers(deps Deps) *handlers {
	return &handlers{
		svc:     deps.Service,
		model:   deps.Model,
		tokens:  deps.Tokens,
		deps:    deps,
		printer: message.NewPrinter(language.English),
		logger:  deps.Logger,
	}
}

func (h *handlers) register(mux *http.ServeMux) {
	authed := auth.NewMiddleware(h.tokens)

	mux.HandleFunc("GET /api/health", h.handleHealth)

	// 账户
	mux.HandleFunc("POST /api/users", h.handleRegister)
	mux.HandleFunc("POST /api/sessions", h.handleLogin)
	mux.HandleFunc("DELETE /api/sessions", h.handleLogout)

	// 预测与记录
	mux.Handle("POST /api/predictions", authed.WrapFunc(h.handlePredict))
	mux.Handle("PUT /api/records/today", authed.WrapFunc(h.handleUpdateToday))
	mux.Handle("GET /api/records/today", authed.WrapFunc(h.handleRecordedToday))
	mux.Handle("GET /api/records", authed.WrapFunc(h.handleDailyReport))
	mux.Handle("GET /api/comparison", authed.WrapFunc(h.handleComparison))

	// 排行榜
	mux.HandleFunc("GET /api/leaderboard", h.handleLeaderboard)
	if h.deps.Hub != nil {
		mux.HandleFunc("GET /api/ws/leaderboard", h.deps.Hub.HandleWebSocket)
	}

	if h.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := ml.StateUntrained
	if h.model != nil {
		state = h.model.State()
	}
	respondJSON(w, map[string]string{"status": "ok", "model": state.String()})
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.svc.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}

	token, claims, err := h.svc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, map[string]interface{}{
		"token":      token,
		"username":   claims.Subject,
		"expires_at": claims.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, err := auth.BearerToken(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.svc.Logout(token); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type predictRequest struct {
	ml.Features
	Mode string `json:"mode"`
}

type predictResponse struct {
	*tracker.PredictResult
	CaloriesFormatted string `json:"calories_formatted"`
	Total             string `json:"total_formatted,omitempty"`
}

func (h *handlers) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if !h.decode(w, r, &req) {
		return
	}
	mode, err := parseOptionalMode(req.Mode)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	result, err := h.svc.Predict(r.Context(), auth.Username(r.Context()), req.Features, mode)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	resp := predictResponse{PredictResult: result, CaloriesFormatted: h.formatCalories(result.Calories)}
	if result.Record != nil {
		resp.Total = h.formatCalories(result.Record.Calories)
	}
	respondJSON(w, resp)
}

// updateTodayRequest 确认上一次预测；卡路里取服务端保存的预测值
type updateTodayRequest struct {
	Mode string `json:"mode"`
}

func (h *handlers) handleUpdateToday(w http.ResponseWriter, r *http.Request) {
	var req updateTodayRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	mode := db.ModeReplace
	if req.Mode != "" {
		var err error
		if mode, err = db.ParseUpdateMode(req.Mode); err != nil {
			h.respondError(w, r, err)
			return
		}
	}

	record, err := h.svc.UpdateToday(r.Context(), auth.Username(r.Context()), mode)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, map[string]interface{}{
		"record":          record,
		"mode":            mode,
		"total_formatted": h.formatCalories(record.Calories),
	})
}

func (h *handlers) handleRecordedToday(w http.ResponseWriter, r *http.Request) {
	recorded, err := h.svc.RecordedToday(r.Context(), auth.Username(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, map[string]interface{}{"date": h.svc.Today(), "recorded": recorded})
}

func (h *handlers) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	username := auth.Username(r.Context())
	records, err := h.svc.DailyReport(r.Context(), username)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, map[string]interface{}{"username": username, "records": records})
}

func (h *handlers) handleComparison(w http.ResponseWriter, r *http.Request) {
	features, err := featuresFromQuery(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	comparison, err := h.svc.Compare(features)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, comparison)
}

func (h *handlers) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 0 {
			h.respondError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", tracker.ErrInvalidInput))
			return
		}
		limit = l
	}

	date, entries, err := h.svc.TopUsers(r.Context(), r.URL.Query().Get("date"), limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, map[string]interface{}{"date": date, "entries": entries})
}

func (h *handlers) formatCalories(v float64) string {
	return h.printer.Sprintf("%.2f", v)
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return false
	}
	return true
}

// respondError 将领域错误映射为HTTP状态码
func (h *handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tracker.ErrInvalidInput), errors.Is(err, db.ErrInvalidMode):
		status = http.StatusBadRequest
	case errors.Is(err, db.ErrUserExists), errors.Is(err, tracker.ErrNoPendingPrediction):
		status = http.StatusConflict
	case errors.Is(err, tracker.ErrInvalidCredentials),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrRevokedToken):
		status = http.StatusUnauthorized
	case errors.Is(err, ml.ErrModelUnavailable), errors.Is(err, tracker.ErrComparisonUnavailable):
		status = http.StatusServiceUnavailable
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		msg = "internal server error"
	}
	if status == http.StatusServiceUnavailable && errors.Is(err, ml.ErrModelUnavailable) {
		msg = ml.ErrModelUnavailable.Error()
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func parseOptionalMode(s string) (db.UpdateMode, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	return db.ParseUpdateMode(s)
}

func featuresFromQuery(r *http.Request) (ml.Features, error) {
	q := r.URL.Query()
	var (
		f   ml.Features
		err error
	)
	bad := func(name string) error {
		return fmt.Errorf("%w: %s must be a number", tracker.ErrInvalidInput, name)
	}
	if v := q.Get("total_steps"); v != "" {
		if f.Steps, err = strconv.Atoi(v); err != nil {
			return f, bad("total_steps")
		}
	}
	if v := q.Get("total_distance"); v != "" {
		if f.Distance, err = strconv.ParseFloat(v, 64); err != nil {
			return f, bad("total_distance")
		}
	}
	if v := q.Get("total_active_minutes"); v != "" {
		if f.ActiveMinutes, err = strconv.Atoi(v); err != nil {
			return f, bad("total_active_minutes")
		}
	}
	if v := q.Get("heart_rate"); v != "" {
		if f.HeartRate, err = strconv.ParseFloat(v, 64); err != nil {
			return f, bad("heart_rate")
		}
	}
	return f, nil
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, data)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
