// Package api exposes the local HTTP surface: the chat endpoint, the
// conversation log, objectives, and a server-sent-events stream for
// self-initiated turns.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/sidekick/internal/chat"
	"github.com/kalambet/sidekick/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Conversation is the chat entry point the handlers call into.
// Implemented by chat.Orchestrator.
type Conversation interface {
	HandleMessage(ctx context.Context, text string) (storage.Turn, error)
	Subscribe() (<-chan chat.Event, func())
}

type Deps struct {
	Store *storage.Store
	Chat  Conversation
	Token string // empty disables auth (local-only setups)
}

func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}

		r.Post("/chat", handleChat(deps))
		r.Get("/turns", handleListTurns(deps))
		r.Get("/events", handleEvents(deps))

		r.Post("/objectives", handleCreateObjective(deps))
		r.Get("/objectives", handleListObjectives(deps))
		r.Delete("/objectives/{id}", handleDeactivateObjective(deps))
		r.Post("/objectives/{id}/events", handleRecordProgress(deps))

		r.Get("/injections", handleListInjections(deps))
		r.Get("/deliveries", handleListDeliveries(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type ChatRequest struct {
	Text string `json:"text"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		reply, err := deps.Chat.HandleMessage(r.Context(), req.Text)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "chat failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(reply)
	}
}

func handleListTurns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)

		turns, err := deps.Store.RecentTurns(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list turns: %v", err)
			return
		}
		if turns == nil {
			turns = []storage.Turn{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(turns)
	}
}

// handleEvents streams self-initiated assistant turns as server-sent events.
// The connection stays open until the client goes away.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		events, cancel := deps.Chat.Subscribe()
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()

		keepalive := time.NewTicker(15 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case ev, open := <-events:
				if !open {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", payload)
				flusher.Flush()
			}
		}
	}
}

type ObjectiveRequest struct {
	Title   string `json:"title"`
	Detail  string `json:"detail"`
	Cadence string `json:"cadence"`
}

func handleCreateObjective(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req ObjectiveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Title == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
			return
		}
		if req.Cadence != "" && req.Cadence != storage.CadenceDaily && req.Cadence != storage.CadenceWeekly {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "cadence must be daily or weekly")
			return
		}

		o := storage.Objective{
			ID:        uuid.NewString(),
			Title:     req.Title,
			Detail:    req.Detail,
			Cadence:   req.Cadence,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Store.CreateObjective(o); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create objective: %v", err)
			return
		}

		created, err := deps.Store.GetObjective(o.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load objective: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(created)
	}
}

func handleListObjectives(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		activeOnly := r.URL.Query().Get("all") != "true"

		objectives, err := deps.Store.ListObjectives(activeOnly)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list objectives: %v", err)
			return
		}
		if objectives == nil {
			objectives = []storage.Objective{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(objectives)
	}
}

func handleDeactivateObjective(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DeactivateObjective(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "objective not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to deactivate objective: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deactivated"})
	}
}

type ProgressRequest struct {
	Note string `json:"note"`
}

func handleRecordProgress(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req ProgressRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		ev := storage.ObjectiveEvent{
			ID:          uuid.NewString(),
			ObjectiveID: id,
			Note:        req.Note,
			CreatedAt:   time.Now().UTC(),
		}
		err := deps.Store.RecordObjectiveEvent(ev)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "objective not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record progress: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(ev)
	}
}

func handleListInjections(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		injections, err := deps.Store.ListInjections(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list injections: %v", err)
			return
		}
		if injections == nil {
			injections = []storage.Injection{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(injections)
	}
}

func handleListDeliveries(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		deliveries, err := deps.Store.RecentDeliveries(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list deliveries: %v", err)
			return
		}
		if deliveries == nil {
			deliveries = []storage.Delivery{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(deliveries)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
