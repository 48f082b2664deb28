package session

// PlanMessage is the client's opening request for a new report.
type PlanMessage struct {
	Standard   string `json:"standard"`
	Goal       string `json:"goal"`
	Plan       string `json:"plan"`
	Action     string `json:"action"`
	Company    string `json:"company"`
	Model      string `json:"genai_model"`
	Device     string `json:"device"` // accepted and ignored; generation runs server-side
	ReportName string `json:"report_name,omitempty"`
}

// AcceptanceMessage is the client's verdict on a proposed outline.
type AcceptanceMessage struct {
	Proceed     bool   `json:"proceed"`
	UserComment string `json:"user_comment"`
}

// Task status values sent back to the client.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// StatusResponse is the envelope for every message the session sends.
type StatusResponse struct {
	TaskStatus string `json:"task_status"`
	Response   any    `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
}
