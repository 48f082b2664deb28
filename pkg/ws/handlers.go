package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"reportforge/pkg/config"
	"reportforge/pkg/persistence"
	"reportforge/pkg/pipeline"
	"reportforge/pkg/session"
)

// handlePlanGenerate authenticates, upgrades to a websocket, and runs one
// session on the connection. The handler goroutine is the session's
// goroutine; it returns when the session reaches a terminal state or the
// client disconnects.
func (s *Server) handlePlanGenerate(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="reportforge"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade websocket: %v", err)
		return
	}

	sess := session.New(session.Deps{
		Transport:  &wsTransport{conn: conn},
		Pipeline:   s.pipeline,
		Dispatcher: s.dispatcher,
		Store:      s.store,
		Writer:     s.writer,
		Retriever:  s.retriever,
		UserID:     user.ID,
	})
	sess.Run(context.Background())
}

type chunkRequest struct {
	Text string `json:"text"`
}

// handleChunks ingests one reference text chunk into the retrieval store.
func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request, _ *persistence.User) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.embedder == nil || s.chunkStore == nil {
		http.Error(w, "Retrieval is not configured", http.StatusServiceUnavailable)
		return
	}

	var req chunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	vector, err := s.embedder.Embed(r.Context(), req.Text)
	if err != nil {
		s.logger.Error("failed to embed chunk: %v", err)
		http.Error(w, "Failed to embed chunk", http.StatusBadGateway)
		return
	}

	id, err := s.chunkStore.Add(r.Context(), req.Text, vector)
	if err != nil {
		s.logger.Error("failed to store chunk: %v", err)
		http.Error(w, "Failed to store chunk", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, map[string]string{"id": id})
}

type editRequest struct {
	EditRequest string `json:"edit_request"`
}

type editResponse struct {
	ModifiedSection string `json:"modified_section"`
}

// handleSectionEdit runs one section through the edit agent and records
// the result as the section's latest content. Route: POST
// /api/sections/{id}/edit.
func (s *Server) handleSectionEdit(w http.ResponseWriter, r *http.Request, user *persistence.User) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sections/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[1] != "edit" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sectionID := parts[0]

	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.EditRequest) == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	sec, err := s.store.GetSection(sectionID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	report, err := s.store.GetReport(sec.ReportID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if report.UserID != user.ID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	planReq, instructions, err := s.planRequestFor(report)
	if err != nil {
		s.logger.Error("failed to rebuild plan request for report %s: %v", report.ID, err)
		http.Error(w, "Failed to prepare edit", http.StatusInternalServerError)
		return
	}

	contextBlock := ""
	if s.retriever != nil {
		if block, err := s.retriever.ContextFor(r.Context(), instructions); err == nil {
			contextBlock = block
		}
	}

	modified, err := s.pipeline.EditSection(r.Context(), planReq, instructions, contextBlock, sec.LatestContent(), req.EditRequest)
	if err != nil {
		s.logger.Error("section %s edit failed: %v", sectionID, err)
		http.Error(w, "Edit failed", http.StatusBadGateway)
		return
	}

	if err := s.store.UpdateSectionEdit(sectionID, modified); err != nil {
		s.logger.Error("failed to record edit for section %s: %v", sectionID, err)
		http.Error(w, "Failed to record edit", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, editResponse{ModifiedSection: modified})
}

// handleReportMetrics returns aggregated LLM usage for a report. Route:
// GET /api/reports/{id}/metrics, with ?by_role=1 for a per-stage breakdown.
func (s *Server) handleReportMetrics(w http.ResponseWriter, r *http.Request, user *persistence.User) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/reports/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[1] != "metrics" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.querySvc == nil {
		http.Error(w, "Metrics queries are not configured", http.StatusServiceUnavailable)
		return
	}
	reportID := parts[0]

	report, err := s.store.GetReport(reportID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if report.UserID != user.ID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if r.URL.Query().Get("by_role") == "1" {
		usage, err := s.querySvc.GetReportMetricsByRole(r.Context(), reportID)
		if err != nil {
			s.logger.Error("failed to query role metrics for report %s: %v", reportID, err)
			http.Error(w, "Failed to query metrics", http.StatusBadGateway)
			return
		}
		s.writeJSON(w, usage)
		return
	}

	usage, err := s.querySvc.GetReportMetrics(r.Context(), reportID)
	if err != nil {
		s.logger.Error("failed to query metrics for report %s: %v", reportID, err)
		http.Error(w, "Failed to query metrics", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, usage)
}

// planRequestFor reconstructs the pipeline request and instructions for a
// persisted report, used by the edit endpoint.
func (s *Server) planRequestFor(report *persistence.Report) (*pipeline.PlanRequest, string, error) {
	standard, err := config.ResolveStandard(report.Standard)
	if err != nil {
		return nil, "", err
	}

	req := &pipeline.PlanRequest{
		ReportID:   report.ID,
		UserID:     report.UserID,
		Company:    report.Company,
		Standard:   standard,
		Goal:       report.Goal,
		Plan:       report.UserPlan,
		Action:     report.Action,
		Model:      report.Model,
		ReportName: report.Name,
	}
	instructions, err := s.pipeline.Instructions(req)
	if err != nil {
		return nil, "", err
	}
	return req, instructions, nil
}
