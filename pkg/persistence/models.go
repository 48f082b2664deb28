package persistence

import "time"

// Report status values, tracking the lifecycle of a generation session.
const (
	ReportStatusPlanning   = "planning"
	ReportStatusAwaiting   = "awaiting_acceptance"
	ReportStatusGenerating = "generating"
	ReportStatusDone       = "done"
	ReportStatusFailed     = "failed"
)

// User is an account able to request reports.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Report is a single report generation session and its parameters.
type Report struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	Company      string    `json:"company"`
	Standard     string    `json:"standard"`
	Goal         string    `json:"goal"`
	UserPlan     string    `json:"user_plan"`
	Action       string    `json:"action"`
	Model        string    `json:"genai_model"`
	Status       string    `json:"status"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Section is one section of a report, ordered by Position within its outline.
type Section struct {
	ID             string    `json:"id"`
	ReportID       string    `json:"report_id"`
	Position       int       `json:"position"`
	Name           string    `json:"section"`
	InitialSummary string    `json:"initial_summary"`
	Description    string    `json:"description"`
	AgentOutput    string    `json:"agent_output"`
	LatestEdit     string    `json:"latest_edit,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// LatestContent returns the most recent text for the section, preferring
// any accepted edit over the original generated output.
func (s *Section) LatestContent() string {
	if s.LatestEdit != "" {
		return s.LatestEdit
	}
	return s.AgentOutput
}
