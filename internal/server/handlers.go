package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/scrypster/mnemo/internal/engine"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// RetrieveResponse wraps ranked results.
type RetrieveResponse struct {
	Query   string                  `json:"query"`
	Results []engine.RecalledMemory `json:"results"`
}

// FeedbackRequest is the body of POST /api/feedback.
type FeedbackRequest struct {
	MemoryID string `json:"memory_id"`
	Polarity string `json:"polarity"`
}

// RunResponse is returned when an extraction run was started.
type RunResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req engine.RetrieveRequest

	if r.Method == http.MethodPost {
		if err := decodeBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	} else {
		q := r.URL.Query()
		req.Query = q.Get("query")
		if req.Query == "" {
			req.Query = q.Get("q")
		}
		req.SessionID = q.Get("session_id")
		if k := q.Get("k"); k != "" {
			n, err := strconv.Atoi(k)
			if err != nil {
				respondError(w, http.StatusBadRequest, "k must be an integer", err)
				return
			}
			req.K = n
		}
	}

	if strings.TrimSpace(req.Query) == "" {
		respondError(w, http.StatusBadRequest, "query is required", nil)
		return
	}
	if req.SessionID == "" {
		req.SessionID = r.Header.Get("X-Session-ID")
	}

	results := s.deps.Retriever.Retrieve(r.Context(), req)
	respondJSON(w, http.StatusOK, RetrieveResponse{Query: req.Query, Results: results})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.MemoryID == "" {
		respondError(w, http.StatusBadRequest, "memory_id is required", nil)
		return
	}
	polarity, err := types.ParsePolarity(req.Polarity)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid polarity", err)
		return
	}

	counters, err := s.deps.Feedback.RecordFeedback(r.Context(), req.MemoryID, polarity)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, counters)
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, "memory not found", err)
	case errors.Is(err, storage.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, "invalid feedback", err)
	default:
		respondError(w, http.StatusInternalServerError, "failed to record feedback", err)
	}
}

func (s *Server) handleRunExtraction(w http.ResponseWriter, r *http.Request) {
	runID, err := s.deps.Extraction.Trigger(r.Context())
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, RunResponse{RunID: runID})
	case errors.Is(err, engine.ErrAlreadyRunning):
		respondError(w, http.StatusConflict, "already running", err)
	default:
		respondError(w, http.StatusServiceUnavailable, "extraction not started", err)
	}
}

func (s *Server) handleExtractionStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Extraction.Status())
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "memory ID is required", nil)
		return
	}

	memory, err := s.deps.Memories.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "memory not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get memory", err)
		return
	}

	// Vectors are large and meaningless to clients.
	memory.Embedding = nil
	respondJSON(w, http.StatusOK, memory)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "healthy",
		"version": Version,
	}
	if n, err := s.deps.Memories.Count(r.Context()); err == nil {
		body["memories"] = n
	} else {
		body["status"] = "degraded"
		log.Printf("server: WARNING: health check cannot count memories: %v", err)
	}
	body["extraction_running"] = s.deps.Extraction.Status().Running
	body["ws_clients"] = s.hub.Len()
	respondJSON(w, http.StatusOK, body)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent.
		log.Printf("server: failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	resp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}
	if err != nil {
		resp.Details = map[string]any{"error": err.Error()}
	}
	respondJSON(w, statusCode, resp)
}
