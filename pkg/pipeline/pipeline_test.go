package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportforge/pkg/agent"
	"reportforge/pkg/jsonx"
	"reportforge/pkg/templates"
	"reportforge/pkg/testkit"
)

// stubFactory hands out scripted agents per pipeline role. When a role asks
// for more agents than its queue holds, the last script is reused.
type stubFactory struct {
	clients map[string][]*testkit.ScriptedClient
	used    map[string]int
	built   map[string]int
}

func newStubFactory() *stubFactory {
	return &stubFactory{
		clients: make(map[string][]*testkit.ScriptedClient),
		used:    make(map[string]int),
		built:   make(map[string]int),
	}
}

func (f *stubFactory) add(role string, client *testkit.ScriptedClient) {
	f.clients[role] = append(f.clients[role], client)
}

func (f *stubFactory) NewAgent(_, reportID, role, systemPrompt string) (*agent.Agent, error) {
	queue := f.clients[role]
	if len(queue) == 0 {
		return nil, fmt.Errorf("no script for role %s", role)
	}
	idx := f.used[role]
	if idx >= len(queue) {
		idx = len(queue) - 1
	}
	f.used[role]++
	f.built[role]++
	return agent.New(queue[idx],
		agent.WithSystemPrompt(systemPrompt),
		agent.WithReportID(reportID),
		agent.WithRole(role),
	), nil
}

func newTestPipeline(t *testing.T, factory AgentFactory) *Pipeline {
	t.Helper()
	renderer, err := templates.NewRenderer()
	require.NoError(t, err)
	return New(factory, renderer)
}

func testRequest() *PlanRequest {
	return &PlanRequest{
		ReportID: "report-1",
		Company:  "ACME Corp",
		Standard: "GHG Protocol: corporate accounting standard",
		Goal:     "Net zero by 2040",
		Plan:     "Quarterly audits",
		Action:   "Electrify the fleet",
		Model:    "openai-4o",
	}
}

func TestThresholdClamping(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  int
	}{
		{"above range", `{"threshold": 9}`, 5},
		{"below range", `{"threshold": -3}`, 1},
		{"in range", `{"threshold": 3}`, 3},
		{"quoted number", `{"threshold": "4"}`, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := newStubFactory()
			factory.add(RoleThresholder, testkit.NewScriptedClient("m", testkit.Reply(tt.reply)))
			p := newTestPipeline(t, factory)

			got, err := p.Threshold(context.Background(), testRequest(), "instructions")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestThresholdRetriesOnceThenSucceeds(t *testing.T) {
	factory := newStubFactory()
	client := testkit.NewScriptedClient("m",
		testkit.Reply("sorry, no json from me"),
		testkit.Reply(`{"threshold": 2}`),
	)
	factory.add(RoleThresholder, client)
	p := newTestPipeline(t, factory)

	got, err := p.Threshold(context.Background(), testRequest(), "instructions")
	require.NoError(t, err)
	assert.Equal(t, 2, got)
	assert.Equal(t, 2, client.CallCount())

	// History was cleared before the retry: the second request holds only
	// the system prompt and one user message.
	calls := client.Calls()
	require.Len(t, calls[1].Messages, 2)
}

func TestThresholdExhaustsRetries(t *testing.T) {
	factory := newStubFactory()
	client := testkit.NewScriptedClient("m", testkit.Reply("still no json"))
	factory.add(RoleThresholder, client)
	p := newTestPipeline(t, factory)

	_, err := p.Threshold(context.Background(), testRequest(), "instructions")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoThreshold)
	assert.Equal(t, 2, client.CallCount())
}

func TestPlanAcceptedOnFirstIteration(t *testing.T) {
	factory := newStubFactory()
	planner := testkit.NewScriptedClient("m",
		testkit.Reply(`{"Introduction": "opening", "Emissions": "scope 1-3"}`),
	)
	evaluator := testkit.NewScriptedClient("m",
		testkit.Reply(`{"modification": false, "critique": "None"}`),
	)
	factory.add(RolePlanner, planner)
	factory.add(RoleEvaluator, evaluator)
	p := newTestPipeline(t, factory)

	outline, err := p.Plan(context.Background(), testRequest(), "instructions", "", 5)
	require.NoError(t, err)
	require.Equal(t, 2, outline.Len())
	assert.Equal(t, "Introduction", outline.Sections[0].Name)
	assert.Equal(t, "Emissions", outline.Sections[1].Name)
	assert.Equal(t, 1, planner.CallCount())
	assert.Equal(t, 1, evaluator.CallCount())
}

func TestPlanRunsExactlyThresholdIterationsWhenAlwaysModified(t *testing.T) {
	const threshold = 3

	factory := newStubFactory()
	planner := testkit.NewScriptedClient("m",
		testkit.Reply(`{"Introduction": "v1"}`),
		testkit.Reply(`{"Introduction": "v2"}`),
		testkit.Reply(`{"Introduction": "v3", "Conclusion": "closing"}`),
	)
	evaluator := testkit.NewScriptedClient("m",
		testkit.Reply(`{"modification": true, "critique": "add a conclusion"}`),
	)
	factory.add(RolePlanner, planner)
	factory.add(RoleEvaluator, evaluator)
	p := newTestPipeline(t, factory)

	outline, err := p.Plan(context.Background(), testRequest(), "instructions", "", threshold)
	require.NoError(t, err)

	// The loop terminates after exactly threshold iterations within one
	// outer attempt, keeping the last candidate.
	assert.Equal(t, threshold, planner.CallCount())
	assert.Equal(t, threshold, evaluator.CallCount())
	require.Equal(t, 2, outline.Len())
	assert.Equal(t, "v3", outline.Sections[0].Summary)
}

func TestPlanCritiqueRewritesNextInstruction(t *testing.T) {
	factory := newStubFactory()
	planner := testkit.NewScriptedClient("m",
		testkit.Reply(`{"Introduction": "v1"}`),
		testkit.Reply(`{"Introduction": "v2"}`),
	)
	evaluator := testkit.NewScriptedClient("m",
		testkit.Reply(`{"modification": "True", "critique": "missing Scope 3 boundaries"}`),
		testkit.Reply(`{"modification": false, "critique": "None"}`),
	)
	factory.add(RolePlanner, planner)
	factory.add(RoleEvaluator, evaluator)
	p := newTestPipeline(t, factory)

	_, err := p.Plan(context.Background(), testRequest(), "instructions", "", 5)
	require.NoError(t, err)
	require.Equal(t, 2, planner.CallCount())

	// The second planner prompt is the critique-modification template.
	calls := planner.Calls()
	second := calls[1]
	lastMsg := second.Messages[len(second.Messages)-1]
	assert.Contains(t, lastMsg.Content, "missing Scope 3 boundaries")
	assert.Contains(t, lastMsg.Content, "same JSON format")
}

func TestPlanOuterRetryAfterMidLoopFailure(t *testing.T) {
	factory := newStubFactory()
	planner := testkit.NewScriptedClient("m",
		testkit.Reply("garbage with no object"),
		testkit.Reply(`{"Introduction": "v1"}`),
	)
	evaluator := testkit.NewScriptedClient("m",
		testkit.Reply(`{"modification": false, "critique": "None"}`),
	)
	factory.add(RolePlanner, planner)
	factory.add(RoleEvaluator, evaluator)
	p := newTestPipeline(t, factory)

	outline, err := p.Plan(context.Background(), testRequest(), "instructions", "", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, outline.Len())
	assert.Equal(t, 2, planner.CallCount())
}

func TestPlanExhaustsOuterRetries(t *testing.T) {
	factory := newStubFactory()
	planner := testkit.NewScriptedClient("m", testkit.Reply("never json"))
	evaluator := testkit.NewScriptedClient("m", testkit.Reply(`{"modification": false}`))
	factory.add(RolePlanner, planner)
	factory.add(RoleEvaluator, evaluator)
	p := newTestPipeline(t, factory)

	_, err := p.Plan(context.Background(), testRequest(), "instructions", "", 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoPlan)
	// Two outer attempts, each failing on the first inner iteration.
	assert.Equal(t, 2, planner.CallCount())
}

func TestGenerateProducesOneRecordPerSectionInOrder(t *testing.T) {
	factory := newStubFactory()
	describer := testkit.NewScriptedClient("m",
		testkit.Reply("brief for introduction"),
		testkit.Reply("brief for emissions"),
		testkit.Reply("brief for conclusion"),
	)
	factory.add(RoleDescriber, describer)
	factory.add(RoleWriter, testkit.NewScriptedClient("m", testkit.Reply("prose one")))
	factory.add(RoleWriter, testkit.NewScriptedClient("m", testkit.Reply("prose two")))
	factory.add(RoleWriter, testkit.NewScriptedClient("m", testkit.Reply("prose three")))
	p := newTestPipeline(t, factory)

	outline := Outline{Sections: []OutlineSection{
		{Name: "Introduction", Summary: "opening"},
		{Name: "Emissions", Summary: "scope 1-3"},
		{Name: "Conclusion", Summary: "closing"},
	}}

	records, err := p.Generate(context.Background(), testRequest(), "instructions", "", outline)
	require.NoError(t, err)
	require.Len(t, records, 3)

	for i, want := range []string{"Introduction", "Emissions", "Conclusion"} {
		assert.Equal(t, want, records[i].Name)
		assert.NotEmpty(t, records[i].Description)
		assert.NotEmpty(t, records[i].Content)
	}
	assert.Equal(t, "brief for introduction", records[0].Description)
	assert.Equal(t, "prose one", records[0].Content)

	// One shared describer, one fresh writer per section.
	assert.Equal(t, 1, factory.built[RoleDescriber])
	assert.Equal(t, 3, factory.built[RoleWriter])

	// The describer keeps no history across sections: every request carries
	// system prompt + the fresh prompts only.
	for _, call := range describer.Calls() {
		assert.Len(t, call.Messages, 3) // system, instructions, section context
	}
}

func TestGenerateIncludesContextBlockForDescriber(t *testing.T) {
	factory := newStubFactory()
	describer := testkit.NewScriptedClient("m", testkit.Reply("a brief"))
	factory.add(RoleDescriber, describer)
	factory.add(RoleWriter, testkit.NewScriptedClient("m", testkit.Reply("prose")))
	p := newTestPipeline(t, factory)

	outline := Outline{Sections: []OutlineSection{{Name: "Emissions", Summary: "scope"}}}
	_, err := p.Generate(context.Background(), testRequest(), "instructions", "retrieved context block", outline)
	require.NoError(t, err)

	calls := describer.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Messages, 4) // system, context, instructions, section context
	assert.Equal(t, "retrieved context block", calls[0].Messages[1].Content)
}

func TestGenerateFailsWholeReportOnSectionFailure(t *testing.T) {
	factory := newStubFactory()
	factory.add(RoleDescriber, testkit.NewScriptedClient("m", testkit.Reply("a brief")))
	factory.add(RoleWriter, testkit.NewScriptedClient("m", testkit.Fail(errors.New("provider down"))))
	p := newTestPipeline(t, factory)

	outline := Outline{Sections: []OutlineSection{{Name: "Emissions", Summary: "scope"}}}
	_, err := p.Generate(context.Background(), testRequest(), "instructions", "", outline)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSectionGeneration)
}

func TestEditSectionParsesModifiedContent(t *testing.T) {
	factory := newStubFactory()
	editor := testkit.NewScriptedClient("m",
		testkit.Reply("broken reply"),
		testkit.Reply(`{"modified_section": "the updated section text"}`),
	)
	factory.add(RoleEditor, editor)
	p := newTestPipeline(t, factory)

	out, err := p.EditSection(context.Background(), testRequest(), "instructions", "", "old text", "make it shorter")
	require.NoError(t, err)
	assert.Equal(t, "the updated section text", out)
	assert.Equal(t, 2, editor.CallCount())
}

func TestEditSectionExhaustsRetries(t *testing.T) {
	factory := newStubFactory()
	factory.add(RoleEditor, testkit.NewScriptedClient("m", testkit.Reply("never json")))
	p := newTestPipeline(t, factory)

	_, err := p.EditSection(context.Background(), testRequest(), "instructions", "", "old", "request")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoEdit)
}

func TestParseCritiqueLenient(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantModify bool
		wantText   string
	}{
		{"boolean true", `{"modification": true, "critique": "add X"}`, true, "add X"},
		{"quoted True", `{"modification": "True", "critique": "add X"}`, true, "add X"},
		{"boolean false", `{"modification": false, "critique": "None"}`, false, ""},
		{"null modification", `{"modification": null, "critique": "whatever"}`, false, "whatever"},
		{"absent modification", `{"critique": "whatever"}`, false, "whatever"},
		{"true without critique", `{"modification": true, "critique": "None"}`, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var value map[string]any
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &value))
			got := ParseCritique(jsonx.Object{Value: value, Raw: []byte(tt.raw)})
			assert.Equal(t, tt.wantModify, got.ModificationRequested)
			assert.Equal(t, tt.wantText, got.Critique)
		})
	}
}

func TestParseOutlinePreservesKeyOrder(t *testing.T) {
	raw := `{"Zeta": "last alphabetically first in order", "Alpha": "first alphabetically", "Middle": "between"}`
	var value map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &value))

	outline, err := ParseOutline(jsonx.Object{Value: value, Raw: []byte(raw)})
	require.NoError(t, err)
	require.Equal(t, 3, outline.Len())
	assert.Equal(t, "Zeta", outline.Sections[0].Name)
	assert.Equal(t, "Alpha", outline.Sections[1].Name)
	assert.Equal(t, "Middle", outline.Sections[2].Name)

	// Round trip keeps the order.
	roundTrip := outline.JSON()
	assert.Less(t, strings.Index(roundTrip, "Zeta"), strings.Index(roundTrip, "Alpha"))
	assert.Less(t, strings.Index(roundTrip, "Alpha"), strings.Index(roundTrip, "Middle"))
}

func TestRetryPolicyStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	policy := retryPolicy{
		attempts:  5,
		retryable: func(err error) bool { return !errors.Is(err, permanent) },
	}

	err := policy.run(context.Background(), func() error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyRunsResetBetweenAttempts(t *testing.T) {
	resets := 0
	calls := 0
	policy := retryPolicy{
		attempts: 3,
		reset:    func() { resets++ },
	}

	err := policy.run(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, resets)
}
