// ABOUTME: HTTP handlers for visitors, experiments, events and results
// ABOUTME: Request bodies are parsed with gjson; errors are returned as {"error": msg}

package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/2389/abkit/internal/analytics"
	"github.com/2389/abkit/internal/results"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 64 << 10

type visitorResponse struct {
	VisitorID string `json:"visitor_id"`
	Token     string `json:"token"`
}

type variantResponse struct {
	ExperimentID string `json:"experiment_id"`
	Variant      string `json:"variant"`
}

type conversionResponse struct {
	ExperimentID string `json:"experiment_id"`
	Variant      string `json:"variant"`
	Recorded     bool   `json:"recorded"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.root.Available(r.Context()) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("storage unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleCreateVisitor(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	token, err := s.tokens.Issue(id, s.tokenTTL)
	if err != nil {
		s.logger.Error("issuing visitor token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	// Nothing is stored until the token is first used.
	s.logger.Debug("visitor created", "visitor_id", id)
	writeJSON(w, http.StatusCreated, visitorResponse{VisitorID: id, Token: token})
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.All())
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	summaries := results.LoadAll(r.Context(), s.root, VisitorScope, results.Options{
		Definitions: s.registry.All(),
		Threshold:   s.engineOpts.Threshold,
	})
	if summaries == nil {
		summaries = []results.Summary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	e := s.engineFor(r.Context(), visitorFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{
		"visitor_id":  e.Identity().UserID,
		"assignments": e.Assignments(r.Context()),
		"preferences": e.Preferences(r.Context()),
	})
}

func (s *Server) handleVariant(w http.ResponseWriter, r *http.Request) {
	expID := chi.URLParam(r, "id")
	e := s.engineFor(r.Context(), visitorFromContext(r.Context()))

	writeJSON(w, http.StatusOK, variantResponse{
		ExperimentID: expID,
		Variant:      e.GetVariant(r.Context(), expID),
	})
}

func (s *Server) handleConversion(w http.ResponseWriter, r *http.Request) {
	expID := chi.URLParam(r, "id")
	if _, ok := s.registry.Lookup(expID); !ok {
		writeError(w, http.StatusNotFound, "unknown experiment")
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var data analytics.Properties
	if len(body) > 0 {
		if !gjson.ValidBytes(body) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		data = propertiesOf(gjson.ParseBytes(body))
	}

	e := s.engineFor(r.Context(), visitorFromContext(r.Context()))
	assignment, assigned := e.Assignment(r.Context(), expID)
	if !assigned {
		writeError(w, http.StatusConflict, "visitor has no variant for this experiment")
		return
	}

	recorded := e.Convert(r.Context(), expID, data)
	writeJSON(w, http.StatusOK, conversionResponse{
		ExperimentID: expID,
		Variant:      assignment.Variant,
		Recorded:     recorded,
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	doc := gjson.ParseBytes(body)
	name := doc.Get("event").String()
	if name == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}

	page := analytics.PageContext{
		URL:      doc.Get("page_url").String(),
		Referrer: doc.Get("referrer").String(),
		Viewport: analytics.Viewport{
			Width:  int(doc.Get("viewport_width").Int()),
			Height: int(doc.Get("viewport_height").Int()),
		},
	}

	e := s.engineFor(r.Context(), visitorFromContext(r.Context()))
	e.Tracker().TrackOn(r.Context(), page, name, propertiesOf(doc.Get("properties")))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// propertiesOf copies the members of a JSON object into a property bag.
// Non-objects yield nil.
func propertiesOf(obj gjson.Result) analytics.Properties {
	if !obj.IsObject() {
		return nil
	}
	props := analytics.Properties{}
	obj.ForEach(func(key, value gjson.Result) bool {
		props[key.String()] = value.Value()
		return true
	})
	return props
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
