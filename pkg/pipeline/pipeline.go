package pipeline

import (
	"context"
	"fmt"
	"strings"

	"reportforge/pkg/agent"
	"reportforge/pkg/jsonx"
	"reportforge/pkg/logx"
	"reportforge/pkg/templates"
)

// Pipeline stage roles, used as agent tags on metrics and log lines.
const (
	RoleThresholder = "thresholder"
	RolePlanner     = "planner"
	RoleEvaluator   = "evaluator"
	RoleDescriber   = "describer"
	RoleWriter      = "writer"
	RoleEditor      = "editor"
)

// AgentFactory builds a pipeline agent for a model selector. Satisfied by
// agent.Factory; tests substitute scripted factories.
type AgentFactory interface {
	NewAgent(selector, reportID, role, systemPrompt string) (*agent.Agent, error)
}

// agentAsker is the slice of the agent surface the stage internals use.
type agentAsker interface {
	Ask(ctx context.Context, prompt string, opts ...agent.AskOption) (string, error)
	AskMany(ctx context.Context, prompts []string, opts ...agent.AskOption) (string, error)
	AskJSON(ctx context.Context, prompt string, opts ...agent.AskOption) ([]jsonx.Object, error)
	ClearHistory()
}

// Pipeline owns the report generation stages. It is stateless across calls;
// all per-session state lives in the session state machine.
type Pipeline struct {
	factory  AgentFactory
	renderer *templates.Renderer
	logger   *logx.Logger
}

// New creates a pipeline over the given agent factory.
func New(factory AgentFactory, renderer *templates.Renderer) *Pipeline {
	return &Pipeline{
		factory:  factory,
		renderer: renderer,
		logger:   logx.NewLogger("pipeline"),
	}
}

// Instructions renders the per-report user instruction block shared by every
// stage. The company name is upcased the way the prompt library expects.
func (p *Pipeline) Instructions(req *PlanRequest) (string, error) {
	out, err := p.renderer.Render(templates.UserInstructionsTemplate, &templates.TemplateData{
		Company:  strings.ToUpper(req.Company),
		Standard: req.Standard,
		Goal:     req.Goal,
		Plan:     req.Plan,
		Action:   req.Action,
	})
	if err != nil {
		return "", fmt.Errorf("render user instructions: %w", err)
	}
	return out, nil
}

// newAgent renders the stage's system prompt and builds its agent.
func (p *Pipeline) newAgent(req *PlanRequest, role string, systemTemplate templates.PromptTemplate) (*agent.Agent, error) {
	systemPrompt, err := p.renderer.Render(systemTemplate, &templates.TemplateData{})
	if err != nil {
		return nil, fmt.Errorf("render %s system prompt: %w", role, err)
	}
	a, err := p.factory.NewAgent(req.Model, req.ReportID, role, systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("build %s agent: %w", role, err)
	}
	return a, nil
}
