package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"reportforge/pkg/templates"
)

const planAttempts = 2

// Plan runs the planner/evaluator refinement loop and returns a validated
// outline. The inner loop runs at most threshold iterations: the planner
// proposes an outline, the evaluator critiques it, and if a modification is
// requested the next planning instruction becomes the critique-modification
// prompt. A critique that requests nothing ends the loop early; the last
// candidate produced is kept either way.
//
// Any error mid-loop clears both agents' histories and retries the whole
// outer attempt once more; two failed outer attempts yield ErrNoPlan.
func (p *Pipeline) Plan(ctx context.Context, req *PlanRequest, instructions, contextBlock string, threshold int) (Outline, error) {
	planner, err := p.newAgent(req, RolePlanner, templates.PlanningSystemTemplate)
	if err != nil {
		return Outline{}, err
	}
	evaluator, err := p.newAgent(req, RoleEvaluator, templates.EvaluationSystemTemplate)
	if err != nil {
		return Outline{}, err
	}

	p.logger.Info("planning started: report=%s threshold=%d", req.ReportID, threshold)

	baseInstruction := strings.TrimSpace(contextBlock + "\n\n" + instructions)

	var outline Outline
	policy := retryPolicy{
		attempts: planAttempts,
		reset: func() {
			planner.ClearHistory()
			evaluator.ClearHistory()
		},
	}
	err = policy.run(ctx, func() error {
		instruction := baseInstruction
		outline = Outline{}

		for i := 0; i < threshold; i++ {
			candidate, planErr := p.proposeOutline(ctx, planner, instruction)
			if planErr != nil {
				return planErr
			}
			outline = candidate

			critique, evalErr := p.evaluateOutline(ctx, evaluator, candidate)
			if evalErr != nil {
				return evalErr
			}

			if !critique.ModificationRequested {
				p.logger.Debug("outline accepted: report=%s iteration=%d", req.ReportID, i+1)
				break
			}

			p.logger.Debug("outline revision requested: report=%s iteration=%d", req.ReportID, i+1)
			instruction, planErr = p.renderer.Render(templates.CritiqueModificationTemplate, &templates.TemplateData{
				Critique: critique.Critique,
			})
			if planErr != nil {
				return fmt.Errorf("render critique modification: %w", planErr)
			}
		}

		if outline.Len() == 0 {
			return errors.New("refinement loop produced no outline")
		}
		return nil
	})
	if err != nil {
		p.logger.Warn("planning failed: report=%s: %v", req.ReportID, err)
		return Outline{}, fmt.Errorf("%w: %s", ErrNoPlan, err)
	}

	p.logger.Info("planning completed: report=%s sections=%d", req.ReportID, outline.Len())
	return outline, nil
}

// Replan reruns the refinement loop with the user's revision request
// injected as the opening planning instruction. This backs the
// user-acceptance "revise" branch.
func (p *Pipeline) Replan(ctx context.Context, req *PlanRequest, instructions, contextBlock, comment string, threshold int) (Outline, error) {
	feedback, err := p.renderer.Render(templates.RevisionFeedbackTemplate, &templates.TemplateData{Comment: comment})
	if err != nil {
		return Outline{}, fmt.Errorf("render revision feedback: %w", err)
	}

	revised := strings.TrimSpace(contextBlock + "\n\n" + instructions + "\n\n" + feedback)
	return p.Plan(ctx, req, revised, "", threshold)
}

// proposeOutline asks the planner for a candidate outline.
func (p *Pipeline) proposeOutline(ctx context.Context, planner agentAsker, instruction string) (Outline, error) {
	objs, err := planner.AskJSON(ctx, instruction)
	if err != nil {
		return Outline{}, err
	}
	if len(objs) == 0 {
		return Outline{}, errors.New("no JSON object in planner reply")
	}
	return ParseOutline(objs[0])
}

// evaluateOutline asks the evaluator for a critique of the candidate.
func (p *Pipeline) evaluateOutline(ctx context.Context, evaluator agentAsker, candidate Outline) (Critique, error) {
	prompt, err := p.renderer.Render(templates.AgentPlanTemplate, &templates.TemplateData{Plan: candidate.JSON()})
	if err != nil {
		return Critique{}, fmt.Errorf("render agent plan: %w", err)
	}

	objs, err := evaluator.AskJSON(ctx, prompt)
	if err != nil {
		return Critique{}, err
	}
	if len(objs) == 0 {
		// Lenient default: an evaluator that returns no parseable verdict is
		// read as "no further revision requested" rather than looping forever.
		return Critique{}, nil
	}
	return ParseCritique(objs[0]), nil
}
