// Package session drives one client connection through the report
// lifecycle: planning, user acceptance of the outline, and section
// generation. Each session owns all of its mutable state; heavy pipeline
// work runs on the shared dispatcher and the session polls for results.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reportforge/pkg/config"
	"reportforge/pkg/dispatch"
	"reportforge/pkg/logx"
	"reportforge/pkg/persistence"
	"reportforge/pkg/pipeline"
	"reportforge/pkg/render"
)

// State identifies where a session is in its lifecycle.
type State string

const (
	StatePlan           State = "plan"
	StateUserAcceptance State = "user_acceptance"
	StateGenerate       State = "generate"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

const defaultPollInterval = time.Second

// Transport is the live connection to the client. The session only needs
// JSON in, JSON out, and close.
type Transport interface {
	ReceiveJSON(v any) error
	SendJSON(v any) error
	Close() error
}

// Runner is the pipeline surface the session drives. Satisfied by
// *pipeline.Pipeline.
type Runner interface {
	Instructions(req *pipeline.PlanRequest) (string, error)
	Threshold(ctx context.Context, req *pipeline.PlanRequest, instructions string) (int, error)
	Plan(ctx context.Context, req *pipeline.PlanRequest, instructions, contextBlock string, threshold int) (pipeline.Outline, error)
	Replan(ctx context.Context, req *pipeline.PlanRequest, instructions, contextBlock, comment string, threshold int) (pipeline.Outline, error)
	Generate(ctx context.Context, req *pipeline.PlanRequest, instructions, contextBlock string, outline pipeline.Outline) ([]pipeline.SectionRecord, error)
}

// ContextProvider supplies retrieved reference text for the instructions.
// A nil provider or an empty result means the agents run without it.
type ContextProvider interface {
	ContextFor(ctx context.Context, query string) (string, error)
}

// Deps carries the collaborators a session needs.
type Deps struct {
	Transport  Transport
	Pipeline   Runner
	Dispatcher *dispatch.Dispatcher
	Store      *persistence.Store
	Writer     *render.Writer
	Retriever  ContextProvider // optional
	UserID     string          // required, the authenticated report owner
}

// Option configures a Session.
type Option func(*Session)

// WithPollInterval overrides how often the session checks dispatched
// tasks for completion.
func WithPollInterval(interval time.Duration) Option {
	return func(s *Session) {
		s.pollInterval = interval
	}
}

// Session is one client interaction from plan request to finished report.
type Session struct {
	id           string
	transport    Transport
	pipeline     Runner
	dispatcher   *dispatch.Dispatcher
	store        *persistence.Store
	writer       *render.Writer
	retriever    ContextProvider
	userID       string
	logger       *logx.Logger
	pollInterval time.Duration

	state           State
	req             *pipeline.PlanRequest
	instructions    string
	contextBlock    string
	threshold       int
	outline         pipeline.Outline
	revisionComment string
	report          *persistence.Report
}

// New creates a session in the planning state.
func New(deps Deps, opts ...Option) *Session {
	s := &Session{
		id:           uuid.New().String(),
		transport:    deps.Transport,
		pipeline:     deps.Pipeline,
		dispatcher:   deps.Dispatcher,
		store:        deps.Store,
		writer:       deps.Writer,
		retriever:    deps.Retriever,
		userID:       deps.UserID,
		logger:       logx.NewLogger("session"),
		pollInterval: defaultPollInterval,
		state:        StatePlan,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// ReportID returns the persisted report's ID once planning has started.
func (s *Session) ReportID() string {
	if s.report == nil {
		return ""
	}
	return s.report.ID
}

// Run drives the state machine until a terminal state or a broken
// transport. It always closes the transport on the way out.
func (s *Session) Run(ctx context.Context) {
	defer func() { _ = s.transport.Close() }()

	for s.state != StateDone && s.state != StateFailed {
		var err error
		switch s.state {
		case StatePlan:
			err = s.plan(ctx)
		case StateUserAcceptance:
			err = s.acceptance(ctx)
		case StateGenerate:
			err = s.generate(ctx)
		default:
			err = fmt.Errorf("unknown session state %q", s.state)
		}
		if err != nil {
			s.logger.Warn("session %s failed in state %s: %v", s.id, s.state, err)
			s.state = StateFailed
			s.markReportFailed()
			return
		}
	}

	s.logger.Info("session %s finished in state %s", s.id, s.state)
}

// plan receives the client's request (first pass only), then runs the
// thresholding and planning stages and persists the resulting outline.
func (s *Session) plan(ctx context.Context) error {
	if s.req == nil {
		if err := s.receiveRequest(ctx); err != nil {
			return err
		}
	}

	threshold, err := s.runThreshold(ctx)
	if err != nil {
		s.sendFailure("Thresholding step failed!")
		return err
	}
	s.threshold = threshold
	s.send(StatusResponse{
		TaskStatus: StatusSuccess,
		Response:   "Thresholding completed! Moving to planning now...",
	})

	outline, err := s.runPlan(ctx)
	if err != nil {
		s.sendFailure("Planning step failed!")
		return err
	}
	s.outline = outline

	sections := make([]*persistence.Section, 0, outline.Len())
	for _, section := range outline.Sections {
		sections = append(sections, &persistence.Section{
			Name:           section.Name,
			InitialSummary: section.Summary,
		})
	}
	if err := s.store.ReplaceSections(s.report.ID, sections); err != nil {
		s.sendFailure("Planning step failed!")
		return err
	}
	if err := s.store.UpdateReportStatus(s.report.ID, persistence.ReportStatusAwaiting); err != nil {
		return err
	}

	s.send(StatusResponse{TaskStatus: StatusSuccess, Response: outline.Sections})
	s.state = StateUserAcceptance
	return nil
}

// receiveRequest validates the opening message and creates the report row.
func (s *Session) receiveRequest(ctx context.Context) error {
	// Reports carry a foreign key to their owner, so a session without an
	// authenticated user can never persist one.
	if s.userID == "" {
		s.sendFailure("Session is not associated with a user.")
		return errors.New("session created without a user id")
	}

	var msg PlanMessage
	if err := s.transport.ReceiveJSON(&msg); err != nil {
		return fmt.Errorf("failed to receive plan request: %w", err)
	}

	if msg.Model == "" {
		msg.Model = "openai-4o"
	}

	if _, err := config.ResolveModel(msg.Model); err != nil {
		s.sendFailure(err.Error())
		return fmt.Errorf("invalid model selector: %w", err)
	}

	standard, err := config.ResolveStandard(msg.Standard)
	if err != nil {
		s.sendFailure(err.Error())
		return fmt.Errorf("invalid standard: %w", err)
	}

	report := &persistence.Report{
		UserID:   s.userID,
		Name:     msg.ReportName,
		Company:  msg.Company,
		Standard: msg.Standard,
		Goal:     msg.Goal,
		UserPlan: msg.Plan,
		Action:   msg.Action,
		Model:    msg.Model,
	}
	if err := s.store.CreateReport(report); err != nil {
		s.sendFailure("Failed to record the report request.")
		return err
	}
	s.report = report

	s.req = &pipeline.PlanRequest{
		ReportID:   report.ID,
		UserID:     s.userID,
		Company:    msg.Company,
		Standard:   standard,
		Goal:       msg.Goal,
		Plan:       msg.Plan,
		Action:     msg.Action,
		Model:      msg.Model,
		ReportName: msg.ReportName,
	}

	instructions, err := s.pipeline.Instructions(s.req)
	if err != nil {
		s.sendFailure("Failed to prepare instructions.")
		return err
	}
	s.instructions = instructions

	if s.retriever != nil {
		block, err := s.retriever.ContextFor(ctx, instructions)
		if err != nil {
			// Retrieval is best-effort; the agents run without context.
			s.logger.Warn("context retrieval failed for report %s: %v", report.ID, err)
		} else {
			s.contextBlock = block
		}
	}

	s.logger.Info("session %s planning report %s for %s (%s)", s.id, report.ID, msg.Company, msg.Model)
	return nil
}

func (s *Session) runThreshold(ctx context.Context) (int, error) {
	task, err := s.dispatcher.Submit("threshold:"+s.report.ID, func(ctx context.Context) (any, error) {
		return s.pipeline.Threshold(ctx, s.req, s.instructions)
	})
	if err != nil {
		return 0, err
	}

	result, err := s.await(ctx, task)
	if err != nil {
		return 0, err
	}
	threshold, ok := result.(int)
	if !ok {
		return 0, fmt.Errorf("threshold task returned %T", result)
	}
	return threshold, nil
}

func (s *Session) runPlan(ctx context.Context) (pipeline.Outline, error) {
	comment := s.revisionComment
	s.revisionComment = ""

	task, err := s.dispatcher.Submit("plan:"+s.report.ID, func(ctx context.Context) (any, error) {
		if comment != "" {
			return s.pipeline.Replan(ctx, s.req, s.instructions, s.contextBlock, comment, s.threshold)
		}
		return s.pipeline.Plan(ctx, s.req, s.instructions, s.contextBlock, s.threshold)
	})
	if err != nil {
		return pipeline.Outline{}, err
	}

	result, err := s.await(ctx, task)
	if err != nil {
		return pipeline.Outline{}, err
	}
	outline, ok := result.(pipeline.Outline)
	if !ok {
		return pipeline.Outline{}, fmt.Errorf("plan task returned %T", result)
	}
	return outline, nil
}

// acceptance waits for the client's verdict on the outline. A rejection
// carries a comment and loops back to planning.
func (s *Session) acceptance(_ context.Context) error {
	var msg AcceptanceMessage
	if err := s.transport.ReceiveJSON(&msg); err != nil {
		return fmt.Errorf("failed to receive acceptance: %w", err)
	}

	if msg.Proceed {
		s.state = StateGenerate
		return nil
	}

	s.revisionComment = msg.UserComment
	s.state = StatePlan
	s.logger.Info("session %s replanning report %s on user feedback", s.id, s.report.ID)
	return nil
}

// generate runs section generation, persists the results, and writes the
// final artifact.
func (s *Session) generate(ctx context.Context) error {
	if err := s.store.UpdateReportStatus(s.report.ID, persistence.ReportStatusGenerating); err != nil {
		return err
	}

	task, err := s.dispatcher.Submit("generate:"+s.report.ID, func(ctx context.Context) (any, error) {
		return s.pipeline.Generate(ctx, s.req, s.instructions, s.contextBlock, s.outline)
	})
	if err != nil {
		s.sendFailure("Generation step failed!")
		return err
	}

	result, err := s.await(ctx, task)
	if err != nil {
		s.sendFailure("Generation step failed!")
		return err
	}
	records, ok := result.([]pipeline.SectionRecord)
	if !ok {
		s.sendFailure("Generation step failed!")
		return fmt.Errorf("generate task returned %T", result)
	}

	for _, record := range records {
		if err := s.store.UpdateSectionContent(s.report.ID, record.Name, record.Description, record.Content); err != nil {
			s.sendFailure("Generation step failed!")
			return err
		}
	}

	sections, err := s.store.SectionsByReport(s.report.ID)
	if err != nil {
		s.sendFailure("Generation step failed!")
		return err
	}
	path, err := s.writer.Write(s.report, sections)
	if err != nil {
		s.sendFailure("Generation step failed!")
		return err
	}
	if err := s.store.SetReportArtifact(s.report.ID, path); err != nil {
		return err
	}
	if err := s.store.UpdateReportStatus(s.report.ID, persistence.ReportStatusDone); err != nil {
		return err
	}

	s.send(StatusResponse{TaskStatus: StatusSuccess, Response: records})
	s.state = StateDone
	return nil
}

// await polls a dispatched task until it completes or the context ends.
func (s *Session) await(ctx context.Context, task *dispatch.Task) (any, error) {
	for !task.Ready() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
	return task.Result()
}

// send delivers a response, logging rather than failing on a broken
// connection. Terminal handling happens at the receive sites.
func (s *Session) send(resp StatusResponse) {
	if err := s.transport.SendJSON(resp); err != nil {
		s.logger.Warn("session %s failed to send response: %v", s.id, err)
	}
}

func (s *Session) sendFailure(message string) {
	s.send(StatusResponse{TaskStatus: StatusFailed, Error: message})
}

func (s *Session) markReportFailed() {
	if s.report == nil {
		return
	}
	if err := s.store.UpdateReportStatus(s.report.ID, persistence.ReportStatusFailed); err != nil &&
		!errors.Is(err, persistence.ErrNotFound) {
		s.logger.Error("failed to mark report %s failed: %v", s.report.ID, err)
	}
}
