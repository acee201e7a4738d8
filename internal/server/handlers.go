package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/sp103107/context-module/internal/fault"
	"github.com/sp103107/context-module/internal/service"
)

// validRunID matches ULID-based run ids and other safe identifiers.
// Only alphanumeric, dashes, and underscores are allowed.
var validRunID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.svc.Health()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"status":  h.Status,
		"version": h.Version,
	})
}

func (s *Server) handleBoot(w http.ResponseWriter, r *http.Request) {
	var req BootRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadBody(w, err)
		return
	}
	if req.Objective == "" {
		writeError(w, fault.New(fault.Schema, "objective is required"))
		return
	}
	res, err := s.svc.Boot(service.BootRequest{
		Objective:          req.Objective,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Constraints:        req.Constraints,
		TaskID:             req.TaskID,
		ThreadID:           req.ThreadID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":          true,
		"run_id":      res.RunID,
		"working_set": res.WS,
	})
}

func (s *Server) handleGetWS(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	ws, err := s.svc.GetWS(runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"working_set": ws,
	})
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	var req PatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadBody(w, err)
		return
	}
	if req.Patch == nil {
		writeError(w, fault.New(fault.Schema, "patch is required"))
		return
	}
	raw, err := json.Marshal(req.Patch)
	if err != nil {
		writeBadBody(w, err)
		return
	}
	res, err := s.svc.ApplyPatch(runID, raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"working_set":   res.WS,
		"context_brief": res.ContextBrief,
	})
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	var req ProposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadBody(w, err)
		return
	}
	res, err := s.svc.ProposeMemory(service.ProposeMemoryRequest{
		RunID:        runID,
		MCRs:         req.MCRs,
		ScopeFilters: req.ScopeFilters,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"batch_id":     res.BatchID,
		"proposed_ids": res.ProposedIDs,
	})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	var req CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadBody(w, err)
		return
	}
	if req.BatchID == "" {
		writeError(w, fault.New(fault.Schema, "batch_id is required"))
		return
	}
	res, err := s.svc.CommitMemory(service.CommitMemoryRequest{
		RunID:                 runID,
		BatchID:               req.BatchID,
		MilestoneToken:        req.MilestoneToken,
		AllowOutsideMilestone: req.AllowOutsideMilestone,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"committed_ids": res.CommittedIDs,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadBody(w, err)
		return
	}
	items, err := s.svc.SearchMemory(service.SearchMemoryRequest{
		RunID:  runID,
		Query:  req.Query,
		TopK:   req.TopK,
		Scope:  req.Scope,
		Status: req.Status,
		Type:   req.Type,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"results": items,
	})
}

func (s *Server) handleMilestone(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	var req MilestoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadBody(w, err)
		return
	}
	if req.Reason == "" {
		writeError(w, fault.New(fault.Schema, "reason is required"))
		return
	}
	res, err := s.svc.Milestone(service.MilestoneRequest{
		RunID:          runID,
		Reason:         req.Reason,
		MemoryBatchID:  req.MemoryBatchID,
		NextEntryPoint: req.NextEntryPoint,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"episode_id":      res.EpisodeID,
		"episode_path":    res.Path,
		"committed_ids":   res.CommittedIDs,
		"milestone_token": res.MilestoneToken,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	var req SnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadBody(w, err)
		return
	}
	res, err := s.svc.ResumeSnapshot(service.SnapshotRequest{
		RunID:    runID,
		Zip:      req.Zip,
		Pointers: req.Pointers,
		Include:  req.Include,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"pack_id":  res.PackID,
		"path":     res.Path,
		"manifest": res.Manifest,
	})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req LoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadBody(w, err)
		return
	}
	if req.PackPath == "" {
		writeError(w, fault.New(fault.Schema, "pack_path is required"))
		return
	}
	res, err := s.svc.ResumeLoad(service.LoadPackRequest{
		PackPath: req.PackPath,
		NewRunID: req.NewRunID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":          true,
		"run_id":      res.RunID,
		"working_set": res.WS,
	})
}

// --- Helpers ---

func pathRunID(w http.ResponseWriter, r *http.Request) (string, bool) {
	runID := r.PathValue("id")
	if !validRunID.MatchString(runID) {
		writeError(w, fault.New(fault.Schema, "run id must be alphanumeric with dashes/underscores, 1-128 chars"))
		return "", false
	}
	return runID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeBadBody(w http.ResponseWriter, err error) {
	writeError(w, fault.New(fault.Schema, fmt.Sprintf("invalid request body: %v", err)))
}

// writeError maps the fault taxonomy onto HTTP statuses and emits the
// standard error envelope.
func writeError(w http.ResponseWriter, err error) {
	kind := fault.Kind("")
	var details map[string]any
	var fe *fault.Error
	if errors.As(err, &fe) {
		kind = fe.Kind
		details = fe.Details
	}
	writeJSON(w, statusFor(kind), ErrorResponse{
		OK:      false,
		Error:   err.Error(),
		Kind:    string(kind),
		Details: details,
	})
}

func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.Schema:
		return http.StatusBadRequest
	case fault.Conflict:
		return http.StatusConflict
	case fault.NotFound, fault.UnknownBatch:
		return http.StatusNotFound
	case fault.Gate:
		return http.StatusForbidden
	case fault.Overflow:
		return http.StatusUnprocessableEntity
	case fault.Corruption, fault.IO:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
