package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides CRUD operations for users, reports, and sections.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by an initialized database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateUser inserts a new user with an already-hashed password.
func (s *Store) CreateUser(username, passwordHash string) (*User, error) {
	user := &User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}

	query := `INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.Exec(query, user.ID, user.Username, user.PasswordHash, user.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create user %s: %w", username, err)
	}
	return user, nil
}

// GetUserByUsername looks up a user for authentication.
func (s *Store) GetUserByUsername(username string) (*User, error) {
	query := `SELECT id, username, password_hash, created_at FROM users WHERE username = ?`

	var user User
	err := s.db.QueryRow(query, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", username, err)
	}
	return &user, nil
}

// CountUsers reports how many accounts exist. Used for first-run setup.
func (s *Store) CountUsers() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// CreateReport records a new report session in planning state.
func (s *Store) CreateReport(report *Report) error {
	if report.ID == "" {
		report.ID = uuid.New().String()
	}
	if report.Status == "" {
		report.Status = ReportStatusPlanning
	}
	now := time.Now().UTC()
	report.CreatedAt = now
	report.UpdatedAt = now

	query := `
		INSERT INTO reports (
			id, user_id, name, company, standard, goal, user_plan, action,
			genai_model, status, artifact_path, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		report.ID, report.UserID, report.Name, report.Company, report.Standard,
		report.Goal, report.UserPlan, report.Action, report.Model,
		report.Status, report.ArtifactPath, report.CreatedAt, report.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create report %s: %w", report.ID, err)
	}
	return nil
}

// GetReport retrieves a report by ID.
func (s *Store) GetReport(reportID string) (*Report, error) {
	query := `
		SELECT id, user_id, name, company, standard, goal, user_plan, action,
			genai_model, status, artifact_path, created_at, updated_at
		FROM reports WHERE id = ?
	`

	var report Report
	err := s.db.QueryRow(query, reportID).Scan(
		&report.ID, &report.UserID, &report.Name, &report.Company, &report.Standard,
		&report.Goal, &report.UserPlan, &report.Action, &report.Model,
		&report.Status, &report.ArtifactPath, &report.CreatedAt, &report.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %s: %w", reportID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report %s: %w", reportID, err)
	}
	return &report, nil
}

// UpdateReportStatus moves a report to a new lifecycle state.
func (s *Store) UpdateReportStatus(reportID, status string) error {
	query := `UPDATE reports SET status = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.Exec(query, status, time.Now().UTC(), reportID)
	if err != nil {
		return fmt.Errorf("failed to update report %s status: %w", reportID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("report %s: %w", reportID, ErrNotFound)
	}
	return nil
}

// SetReportName stores the user-facing name once planning has produced one.
func (s *Store) SetReportName(reportID, name string) error {
	query := `UPDATE reports SET name = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.Exec(query, name, time.Now().UTC(), reportID); err != nil {
		return fmt.Errorf("failed to set report %s name: %w", reportID, err)
	}
	return nil
}

// SetReportArtifact records where the rendered report file was written.
func (s *Store) SetReportArtifact(reportID, path string) error {
	query := `UPDATE reports SET artifact_path = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.Exec(query, path, time.Now().UTC(), reportID); err != nil {
		return fmt.Errorf("failed to set report %s artifact: %w", reportID, err)
	}
	return nil
}

// ReportsByUser lists reports owned by a user, newest first.
func (s *Store) ReportsByUser(userID string) ([]*Report, error) {
	query := `
		SELECT id, user_id, name, company, standard, goal, user_plan, action,
			genai_model, status, artifact_path, created_at, updated_at
		FROM reports WHERE user_id = ? ORDER BY created_at DESC
	`

	rows, err := s.db.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports for user %s: %w", userID, err)
	}
	defer rows.Close()

	var reports []*Report
	for rows.Next() {
		var report Report
		err := rows.Scan(
			&report.ID, &report.UserID, &report.Name, &report.Company, &report.Standard,
			&report.Goal, &report.UserPlan, &report.Action, &report.Model,
			&report.Status, &report.ArtifactPath, &report.CreatedAt, &report.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, &report)
	}
	return reports, rows.Err()
}

// ReplaceSections deletes any existing sections for the report and inserts
// the given ones in order. Called whenever a new outline is accepted.
func (s *Store) ReplaceSections(reportID string, sections []*Section) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM sections WHERE report_id = ?`, reportID); err != nil {
		return fmt.Errorf("failed to clear sections for report %s: %w", reportID, err)
	}

	query := `
		INSERT INTO sections (
			id, report_id, position, name, initial_summary, description,
			agent_output, latest_edit, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	for i, section := range sections {
		if section.ID == "" {
			section.ID = uuid.New().String()
		}
		section.ReportID = reportID
		section.Position = i
		section.CreatedAt = now
		section.UpdatedAt = now

		_, err := tx.Exec(query,
			section.ID, section.ReportID, section.Position, section.Name,
			section.InitialSummary, section.Description, section.AgentOutput,
			section.LatestEdit, section.CreatedAt, section.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert section %s: %w", section.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sections for report %s: %w", reportID, err)
	}
	return nil
}

// UpdateSectionContent stores the generated description and output for a
// section, matched by name within the report.
func (s *Store) UpdateSectionContent(reportID, name, description, agentOutput string) error {
	query := `
		UPDATE sections SET description = ?, agent_output = ?, updated_at = ?
		WHERE report_id = ? AND name = ?
	`
	result, err := s.db.Exec(query, description, agentOutput, time.Now().UTC(), reportID, name)
	if err != nil {
		return fmt.Errorf("failed to update section %s content: %w", name, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("section %s of report %s: %w", name, reportID, ErrNotFound)
	}
	return nil
}

// UpdateSectionEdit stores an accepted edit as the latest text for a section.
func (s *Store) UpdateSectionEdit(sectionID, edited string) error {
	query := `UPDATE sections SET latest_edit = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.Exec(query, edited, time.Now().UTC(), sectionID)
	if err != nil {
		return fmt.Errorf("failed to update section %s edit: %w", sectionID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("section %s: %w", sectionID, ErrNotFound)
	}
	return nil
}

// GetSection retrieves a single section by ID.
func (s *Store) GetSection(sectionID string) (*Section, error) {
	query := `
		SELECT id, report_id, position, name, initial_summary, description,
			agent_output, latest_edit, created_at, updated_at
		FROM sections WHERE id = ?
	`

	var section Section
	err := s.db.QueryRow(query, sectionID).Scan(
		&section.ID, &section.ReportID, &section.Position, &section.Name,
		&section.InitialSummary, &section.Description, &section.AgentOutput,
		&section.LatestEdit, &section.CreatedAt, &section.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("section %s: %w", sectionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get section %s: %w", sectionID, err)
	}
	return &section, nil
}

// SectionsByReport lists a report's sections in outline order.
func (s *Store) SectionsByReport(reportID string) ([]*Section, error) {
	query := `
		SELECT id, report_id, position, name, initial_summary, description,
			agent_output, latest_edit, created_at, updated_at
		FROM sections WHERE report_id = ? ORDER BY position
	`

	rows, err := s.db.Query(query, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sections for report %s: %w", reportID, err)
	}
	defer rows.Close()

	var sections []*Section
	for rows.Next() {
		var section Section
		err := rows.Scan(
			&section.ID, &section.ReportID, &section.Position, &section.Name,
			&section.InitialSummary, &section.Description, &section.AgentOutput,
			&section.LatestEdit, &section.CreatedAt, &section.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan section: %w", err)
		}
		sections = append(sections, &section)
	}
	return sections, rows.Err()
}
