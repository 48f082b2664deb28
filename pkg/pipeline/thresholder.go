package pipeline

import (
	"context"
	"errors"
	"fmt"

	"reportforge/pkg/templates"
)

const (
	thresholdAttempts = 2
	thresholdMin      = 1
	thresholdMax      = 5
)

// Threshold asks one agent to propose an iteration budget for the planning
// refinement loop. The raw value is clamped to [1, 5]. Up to two attempts
// are made, clearing the agent's history between them; exhausting retries
// yields ErrNoThreshold, never a default.
func (p *Pipeline) Threshold(ctx context.Context, req *PlanRequest, instructions string) (int, error) {
	ag, err := p.newAgent(req, RoleThresholder, templates.ThresholderSystemTemplate)
	if err != nil {
		return 0, err
	}

	p.logger.Info("thresholding started: report=%s model=%s", req.ReportID, req.Model)

	var threshold int
	policy := retryPolicy{attempts: thresholdAttempts, reset: ag.ClearHistory}
	err = policy.run(ctx, func() error {
		objs, askErr := ag.AskJSON(ctx, instructions)
		if askErr != nil {
			return askErr
		}
		if len(objs) == 0 {
			return errors.New("no JSON object in thresholder reply")
		}

		raw, ok := intField(objs[0].Value, "threshold")
		if !ok {
			return errors.New("thresholder reply missing threshold field")
		}

		threshold = clampThreshold(raw)
		return nil
	})
	if err != nil {
		p.logger.Warn("thresholding failed: report=%s: %v", req.ReportID, err)
		return 0, fmt.Errorf("%w: %s", ErrNoThreshold, err)
	}

	p.logger.Info("thresholding completed: report=%s threshold=%d", req.ReportID, threshold)
	return threshold, nil
}

// clampThreshold applies the [1, 5] bound: min(max(1, raw), 5).
func clampThreshold(raw int) int {
	if raw < thresholdMin {
		return thresholdMin
	}
	if raw > thresholdMax {
		return thresholdMax
	}
	return raw
}

// intField reads an integer-valued field from a decoded JSON object,
// tolerating the float64 shape encoding/json produces and quoted numbers.
func intField(obj map[string]any, key string) (int, bool) {
	switch v := obj[key].(type) {
	case float64:
		return int(v), true
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}
