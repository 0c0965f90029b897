package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"kiln/internal/engine"
	"kiln/internal/status"
)

func jobAndBuild(r *http.Request) (name string, build int, err error) {
	name = chi.URLParam(r, "name")
	build, err = strconv.Atoi(chi.URLParam(r, "number"))
	return
}

type queueJobRequest struct {
	Params       map[string]string `json:"params"`
	FrontOfQueue bool               `json:"frontOfQueue"`
	Reason       string             `json:"reason"`
	ParentName   string             `json:"parentName"`
	ParentBuild  int                `json:"parentBuild"`
}

func (s *Server) handleQueueJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name := chi.URLParam(r, "name")

	var body queueJobRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondError(w, reqID, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	run, err := s.engine.QueueJob(r.Context(), engine.QueueRequest{
		Name:         name,
		Params:       body.Params,
		FrontOfQueue: body.FrontOfQueue,
		Reason:       body.Reason,
		ParentName:   body.ParentName,
		ParentBuild:  body.ParentBuild,
	})
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, "job not found: "+name)
		return
	}
	respondOK(w, reqID, map[string]any{"name": run.Name, "number": run.Build})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name, build, err := jobAndBuild(r)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, err.Error())
		return
	}
	if !s.engine.Abort(name, build) {
		respondError(w, reqID, http.StatusNotFound, "no active run")
		return
	}
	respondOK(w, reqID, map[string]any{"aborted": true})
}

type setParamRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handleSetParam(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name, build, err := jobAndBuild(r)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, err.Error())
		return
	}
	var body setParamRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, reqID, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.engine.SetParam(name, build, body.Key, body.Value) {
		respondError(w, reqID, http.StatusNotFound, "no active run")
		return
	}
	respondOK(w, reqID, map[string]any{"set": true})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name, build, err := jobAndBuild(r)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, err.Error())
		return
	}
	text, complete, ok, err := s.engine.HandleLogRequest(r.Context(), name, build)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		respondError(w, reqID, http.StatusNotFound, "run not found")
		return
	}
	respondOK(w, reqID, map[string]any{"log": text, "complete": complete})
}

func (s *Server) handleStatusRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name, build, err := jobAndBuild(r)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, err.Error())
		return
	}
	s.writeStatus(w, r, status.Scope{Type: status.ScopeRun, Job: name, Num: build})
}

func (s *Server) handleStatusJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	field := r.URL.Query().Get("sort")
	desc := r.URL.Query().Get("order") != "asc"
	s.writeStatus(w, r, status.Scope{Type: status.ScopeJob, Job: name, Page: page, Field: field, Desc: desc})
}

func (s *Server) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r, status.Scope{Type: status.ScopeAll})
}

func (s *Server) handleStatusHome(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r, status.Scope{Type: status.ScopeHome})
}

func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, scope status.Scope) {
	reqID := RequestIDFromContext(r.Context())
	doc, err := s.engine.GetStatus(r.Context(), scope)
	if err != nil {
		respondError(w, reqID, http.StatusNotFound, err.Error())
		return
	}
	respondRaw(w, doc)
}

func (s *Server) handleBadge(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	svg, ok, err := s.engine.HandleBadgeRequest(r.Context(), name)
	if err != nil || !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	_, _ = w.Write(svg)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	relPath := chi.URLParam(r, "*")
	f, err := s.engine.GetArtefact(relPath)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if f == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, f)
}
