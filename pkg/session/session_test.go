package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportforge/pkg/dispatch"
	"reportforge/pkg/persistence"
	"reportforge/pkg/pipeline"
	"reportforge/pkg/render"
)

// stubTransport replays queued client messages and records everything the
// session sends. An exhausted queue behaves like a disconnect.
type stubTransport struct {
	mu       sync.Mutex
	incoming []any
	sent     []StatusResponse
	closed   bool
}

func (t *stubTransport) ReceiveJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.incoming) == 0 {
		return errors.New("connection closed")
	}
	msg := t.incoming[0]
	t.incoming = t.incoming[1:]

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (t *stubTransport) SendJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	resp, ok := v.(StatusResponse)
	if !ok {
		return fmt.Errorf("unexpected message type %T", v)
	}
	t.sent = append(t.sent, resp)
	return nil
}

func (t *stubTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *stubTransport) responses() []StatusResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]StatusResponse(nil), t.sent...)
}

// stubRunner scripts the pipeline stages and records how they were called.
type stubRunner struct {
	mu             sync.Mutex
	threshold      int
	thresholdErr   error
	outline        pipeline.Outline
	planErr        error
	records        []pipeline.SectionRecord
	generateErr    error
	planCalls      int
	replanComments []string
	generateCalls  int
}

func (r *stubRunner) Instructions(req *pipeline.PlanRequest) (string, error) {
	return "instructions for " + req.Company, nil
}

func (r *stubRunner) Threshold(_ context.Context, _ *pipeline.PlanRequest, _ string) (int, error) {
	return r.threshold, r.thresholdErr
}

func (r *stubRunner) Plan(_ context.Context, _ *pipeline.PlanRequest, _, _ string, _ int) (pipeline.Outline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.planCalls++
	return r.outline, r.planErr
}

func (r *stubRunner) Replan(ctx context.Context, req *pipeline.PlanRequest, instructions, contextBlock, comment string, threshold int) (pipeline.Outline, error) {
	r.mu.Lock()
	r.replanComments = append(r.replanComments, comment)
	r.mu.Unlock()
	return r.Plan(ctx, req, instructions, contextBlock, threshold)
}

func (r *stubRunner) Generate(_ context.Context, _ *pipeline.PlanRequest, _, _ string, _ pipeline.Outline) ([]pipeline.SectionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generateCalls++
	return r.records, r.generateErr
}

type fixture struct {
	transport *stubTransport
	runner    *stubRunner
	store     *persistence.Store
	user      *persistence.User
	session   *Session
	reportDir string
}

func newFixture(t *testing.T, incoming []any, runner *stubRunner) *fixture {
	t.Helper()

	db, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := persistence.NewStore(db)

	user, err := store.CreateUser("tester", "not-a-real-hash")
	require.NoError(t, err)

	dispatcher := dispatch.NewDispatcher(2)
	dispatcher.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = dispatcher.Stop(ctx)
	})

	reportDir := filepath.Join(t.TempDir(), "reports")
	transport := &stubTransport{incoming: incoming}

	sess := New(Deps{
		Transport:  transport,
		Pipeline:   runner,
		Dispatcher: dispatcher,
		Store:      store,
		Writer:     render.NewWriter(reportDir),
		UserID:     user.ID,
	}, WithPollInterval(5*time.Millisecond))

	return &fixture{
		transport: transport,
		runner:    runner,
		store:     store,
		user:      user,
		session:   sess,
		reportDir: reportDir,
	}
}

func planMessage() PlanMessage {
	return PlanMessage{
		Standard: "ghg",
		Goal:     "Report annual emissions",
		Plan:     "Cover all three scopes",
		Action:   "generate",
		Company:  "Acme Corp",
		Model:    "openai-4o",
	}
}

func TestSessionHappyPath(t *testing.T) {
	runner := &stubRunner{
		threshold: 3,
		outline: pipeline.Outline{Sections: []pipeline.OutlineSection{
			{Name: "Introduction", Summary: "Opening"},
			{Name: "Emissions", Summary: "Scopes"},
		}},
		records: []pipeline.SectionRecord{
			{Name: "Introduction", Description: "intro brief", Content: "Intro prose."},
			{Name: "Emissions", Description: "emissions brief", Content: "Emissions prose."},
		},
	}
	f := newFixture(t, []any{planMessage(), AcceptanceMessage{Proceed: true}}, runner)

	f.session.Run(context.Background())

	assert.Equal(t, StateDone, f.session.State())
	assert.True(t, f.transport.closed)

	responses := f.transport.responses()
	require.Len(t, responses, 3)
	assert.Equal(t, StatusSuccess, responses[0].TaskStatus)
	assert.Contains(t, responses[0].Response, "Thresholding completed")
	assert.Equal(t, StatusSuccess, responses[1].TaskStatus)
	assert.Equal(t, StatusSuccess, responses[2].TaskStatus)

	report, err := f.store.GetReport(f.session.ReportID())
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, report.UserID)
	assert.Equal(t, persistence.ReportStatusDone, report.Status)
	assert.NotEmpty(t, report.ArtifactPath)

	data, err := os.ReadFile(report.ArtifactPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Intro prose.")
	assert.Contains(t, string(data), "Emissions prose.")

	sections, err := f.store.SectionsByReport(report.ID)
	require.NoError(t, err)
	require.Len(t, sections, 2)
	assert.Equal(t, "intro brief", sections[0].Description)
	assert.Equal(t, "Emissions prose.", sections[1].AgentOutput)
}

func TestSessionRequiresUserID(t *testing.T) {
	f := newFixture(t, []any{planMessage()}, &stubRunner{})
	f.session.userID = ""

	f.session.Run(context.Background())

	assert.Equal(t, StateFailed, f.session.State())
	responses := f.transport.responses()
	require.Len(t, responses, 1)
	assert.Equal(t, StatusFailed, responses[0].TaskStatus)
	assert.Empty(t, f.session.ReportID())
}

func TestSessionRejectsUnknownModel(t *testing.T) {
	msg := planMessage()
	msg.Model = "openai-unknown"
	f := newFixture(t, []any{msg}, &stubRunner{})

	f.session.Run(context.Background())

	assert.Equal(t, StateFailed, f.session.State())
	responses := f.transport.responses()
	require.Len(t, responses, 1)
	assert.Equal(t, StatusFailed, responses[0].TaskStatus)
	assert.NotEmpty(t, responses[0].Error)
	assert.Empty(t, f.session.ReportID())
}

func TestSessionRejectsUnknownStandard(t *testing.T) {
	msg := planMessage()
	msg.Standard = "nope"
	f := newFixture(t, []any{msg}, &stubRunner{})

	f.session.Run(context.Background())

	assert.Equal(t, StateFailed, f.session.State())
	responses := f.transport.responses()
	require.Len(t, responses, 1)
	assert.Equal(t, StatusFailed, responses[0].TaskStatus)
}

func TestSessionThresholdFailure(t *testing.T) {
	runner := &stubRunner{thresholdErr: pipeline.ErrNoThreshold}
	f := newFixture(t, []any{planMessage()}, runner)

	f.session.Run(context.Background())

	assert.Equal(t, StateFailed, f.session.State())
	responses := f.transport.responses()
	require.Len(t, responses, 1)
	assert.Equal(t, "Thresholding step failed!", responses[0].Error)

	report, err := f.store.GetReport(f.session.ReportID())
	require.NoError(t, err)
	assert.Equal(t, persistence.ReportStatusFailed, report.Status)
}

func TestSessionPlanFailure(t *testing.T) {
	runner := &stubRunner{threshold: 2, planErr: pipeline.ErrNoPlan}
	f := newFixture(t, []any{planMessage()}, runner)

	f.session.Run(context.Background())

	assert.Equal(t, StateFailed, f.session.State())
	responses := f.transport.responses()
	require.Len(t, responses, 2)
	assert.Equal(t, "Planning step failed!", responses[1].Error)
}

func TestSessionReviseLoopsBackToPlanning(t *testing.T) {
	runner := &stubRunner{
		threshold: 2,
		outline: pipeline.Outline{Sections: []pipeline.OutlineSection{
			{Name: "Introduction", Summary: "Opening"},
		}},
		records: []pipeline.SectionRecord{
			{Name: "Introduction", Description: "brief", Content: "Prose."},
		},
	}
	f := newFixture(t, []any{
		planMessage(),
		AcceptanceMessage{Proceed: false, UserComment: "Add a risk management section"},
		AcceptanceMessage{Proceed: true},
	}, runner)

	f.session.Run(context.Background())

	assert.Equal(t, StateDone, f.session.State())
	assert.Equal(t, 2, runner.planCalls)
	require.Len(t, runner.replanComments, 1)
	assert.Equal(t, "Add a risk management section", runner.replanComments[0])
	assert.Equal(t, 1, runner.generateCalls)
}

func TestSessionDisconnectDuringAcceptance(t *testing.T) {
	runner := &stubRunner{
		threshold: 1,
		outline: pipeline.Outline{Sections: []pipeline.OutlineSection{
			{Name: "Introduction", Summary: "Opening"},
		}},
	}
	f := newFixture(t, []any{planMessage()}, runner)

	f.session.Run(context.Background())

	assert.Equal(t, StateFailed, f.session.State())
	assert.Zero(t, runner.generateCalls)

	report, err := f.store.GetReport(f.session.ReportID())
	require.NoError(t, err)
	assert.Equal(t, persistence.ReportStatusFailed, report.Status)
}

func TestSessionGenerateFailure(t *testing.T) {
	runner := &stubRunner{
		threshold: 1,
		outline: pipeline.Outline{Sections: []pipeline.OutlineSection{
			{Name: "Introduction", Summary: "Opening"},
		}},
		generateErr: pipeline.ErrSectionGeneration,
	}
	f := newFixture(t, []any{planMessage(), AcceptanceMessage{Proceed: true}}, runner)

	f.session.Run(context.Background())

	assert.Equal(t, StateFailed, f.session.State())
	responses := f.transport.responses()
	require.NotEmpty(t, responses)
	assert.Equal(t, "Generation step failed!", responses[len(responses)-1].Error)
}
