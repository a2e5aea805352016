package app

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"timekeep/internal/domain"
	"timekeep/internal/usecase"
)

// workerHeader carries the verified worker identity, set by the upstream
// auth gateway. It is never taken from request bodies.
const workerHeader = "X-Worker-ID"

// HTTPServer returns a configured http.Server exposing the time-tracking API.
// Call ListenAndServe on the returned server in a goroutine and Shutdown it
// on exit.
func (a *App) HTTPServer(addr string) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/v1/time/entries", a.handleListEntries)
	// The timesheet view is the list query under its reporting name.
	mux.HandleFunc("GET /api/v1/time/timesheet", a.handleListEntries)
	mux.HandleFunc("POST /api/v1/time/entries", a.handleCreateManual)
	mux.HandleFunc("GET /api/v1/time/entries/{id}", a.handleGetEntry)
	mux.HandleFunc("PUT /api/v1/time/entries/{id}", a.handleEditEntry)
	mux.HandleFunc("DELETE /api/v1/time/entries/{id}", a.handleDeleteEntry)
	mux.HandleFunc("POST /api/v1/time/timer/start", a.handleStartTimer)
	mux.HandleFunc("POST /api/v1/time/timer/stop", a.handleStopTimer)
	mux.HandleFunc("POST /api/v1/time/timer/switch", a.handleSwitchTimer)
	mux.HandleFunc("GET /api/v1/time/timer/active", a.handleActiveTimers)
	mux.HandleFunc("GET /api/v1/time/stats", a.handleStats)

	srv := &http.Server{Addr: addr, Handler: loggingMiddleware(a.log, mux)}
	a.log.Info("http server configured", slog.String("addr", addr))
	return srv
}

func (a *App) handleListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f domain.EntryFilter
	var err error
	if f.WorkerID, err = parseUUIDParam(q.Get("worker_id")); err != nil {
		a.writeError(w, err)
		return
	}
	if f.TicketID, err = parseUUIDParam(q.Get("ticket_id")); err != nil {
		a.writeError(w, err)
		return
	}
	if f.ProjectID, err = parseUUIDParam(q.Get("project_id")); err != nil {
		a.writeError(w, err)
		return
	}
	if v := q.Get("billable"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			a.writeError(w, errValidation("billable must be a boolean"))
			return
		}
		f.Billable = &b
	}
	if f.From, err = parseTimeParam(q.Get("from"), false); err != nil {
		a.writeError(w, err)
		return
	}
	if f.To, err = parseTimeParam(q.Get("to"), true); err != nil {
		a.writeError(w, err)
		return
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}

	entries, err := a.timer.List(r.Context(), f)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.TimeEntry{}
	}
	a.writeJSON(w, http.StatusOK, entries)
}

func (a *App) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		a.writeError(w, errValidation("invalid entry id"))
		return
	}
	entry, err := a.timer.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, entry)
}

func (a *App) handleCreateManual(w http.ResponseWriter, r *http.Request) {
	worker, ok := a.workerID(w, r)
	if !ok {
		return
	}
	var p usecase.ManualParams
	if !a.decode(w, r, &p) {
		return
	}
	entry, err := a.timer.CreateManual(r.Context(), worker, p)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, entry)
}

func (a *App) handleEditEntry(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.workerID(w, r); !ok {
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		a.writeError(w, errValidation("invalid entry id"))
		return
	}
	var p usecase.EditParams
	if !a.decode(w, r, &p) {
		return
	}
	entry, err := a.timer.Edit(r.Context(), id, p)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, entry)
}

func (a *App) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.workerID(w, r); !ok {
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		a.writeError(w, errValidation("invalid entry id"))
		return
	}
	if err := a.timer.Delete(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleStartTimer(w http.ResponseWriter, r *http.Request) {
	worker, ok := a.workerID(w, r)
	if !ok {
		return
	}
	var p usecase.StartParams
	if !a.decode(w, r, &p) {
		return
	}
	timer, err := a.timer.Start(r.Context(), worker, p)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, timer)
}

func (a *App) handleStopTimer(w http.ResponseWriter, r *http.Request) {
	worker, ok := a.workerID(w, r)
	if !ok {
		return
	}
	var body struct {
		EntryID *uuid.UUID `json:"entry_id,omitempty"`
	}
	if !a.decode(w, r, &body) {
		return
	}
	entry, err := a.timer.Stop(r.Context(), worker, body.EntryID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, entry)
}

func (a *App) handleSwitchTimer(w http.ResponseWriter, r *http.Request) {
	worker, ok := a.workerID(w, r)
	if !ok {
		return
	}
	var p usecase.StartParams
	if !a.decode(w, r, &p) {
		return
	}
	timer, err := a.timer.Switch(r.Context(), worker, p)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, timer)
}

func (a *App) handleActiveTimers(w http.ResponseWriter, r *http.Request) {
	var worker *uuid.UUID
	if r.URL.Query().Get("all") != "1" {
		id, ok := a.workerID(w, r)
		if !ok {
			return
		}
		worker = &id
	}
	timers, err := a.timer.ActiveTimers(r.Context(), worker)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if timers == nil {
		timers = []domain.ActiveTimer{}
	}
	a.writeJSON(w, http.StatusOK, timers)
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	worker, ok := a.workerID(w, r)
	if !ok {
		return
	}
	stats, err := a.stats.ForWorker(r.Context(), worker)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, stats)
}

// workerID extracts the verified worker identity. A missing or malformed
// header means the request did not come through the auth gateway.
func (a *App) workerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.Header.Get(workerHeader))
	if err != nil {
		a.writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "missing or invalid " + workerHeader + " header",
		})
		return uuid.UUID{}, false
	}
	return id, true
}

// decode reads a JSON body into dst. An empty body decodes to the zero value.
func (a *App) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		a.writeError(w, errValidation("invalid JSON body"))
		return false
	}
	return true
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error("encoding response", slog.String("error", err.Error()))
	}
}

func (a *App) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		a.log.Error("request failed", slog.String("error", err.Error()))
	}
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func errValidation(msg string) error {
	return &validationError{msg: msg}
}

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }
func (e *validationError) Unwrap() error { return domain.ErrValidation }

// parseUUIDParam parses an optional uuid query parameter.
func parseUUIDParam(val string) (*uuid.UUID, error) {
	if val == "" {
		return nil, nil
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return nil, errValidation("invalid uuid parameter")
	}
	return &id, nil
}

// parseTimeParam accepts RFC3339 or YYYY-MM-DD. Date-only end boundaries are
// treated as inclusive by converting to next-day 00:00 UTC.
func parseTimeParam(val string, endOfDay bool) (*time.Time, error) {
	if val == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return &t, nil
	}
	if d, err := time.Parse("2006-01-02", val); err == nil {
		if endOfDay {
			d = d.Add(24 * time.Hour)
		}
		t := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
		return &t, nil
	}
	return nil, errValidation("time parameters must be RFC3339 or YYYY-MM-DD")
}

// loggingMiddleware provides basic request logging.
func loggingMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Duration("dur", time.Since(start)),
		)
	})
}
