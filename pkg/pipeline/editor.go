package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"reportforge/pkg/templates"
)

const editAttempts = 2

// EditSection applies a user's editing request to one section's latest
// content. The edit agent receives the retrieved context, the report's user
// instructions, the current section text, and the request, and must return
// the full modified section as JSON. Two attempts, history cleared between
// them; exhausting retries yields ErrNoEdit.
func (p *Pipeline) EditSection(ctx context.Context, req *PlanRequest, instructions, contextBlock, latestContent, editRequest string) (string, error) {
	ag, err := p.newAgent(req, RoleEditor, templates.EditSystemTemplate)
	if err != nil {
		return "", err
	}

	parts := []string{contextBlock, instructions, latestContent, editRequest}
	instruction := strings.TrimSpace(strings.Join(parts, "\n\n"))

	p.logger.Info("section edit started: report=%s", req.ReportID)

	var modified string
	policy := retryPolicy{attempts: editAttempts, reset: ag.ClearHistory}
	err = policy.run(ctx, func() error {
		objs, askErr := ag.AskJSON(ctx, instruction)
		if askErr != nil {
			return askErr
		}
		if len(objs) == 0 {
			return errors.New("no JSON object in edit reply")
		}

		section, ok := objs[0].Value["modified_section"].(string)
		if !ok || section == "" {
			return errors.New("edit reply missing modified_section field")
		}

		modified = section
		return nil
	})
	if err != nil {
		p.logger.Warn("section edit failed: report=%s: %v", req.ReportID, err)
		return "", fmt.Errorf("%w: %s", ErrNoEdit, err)
	}

	p.logger.Info("section edit completed: report=%s", req.ReportID)
	return modified, nil
}
