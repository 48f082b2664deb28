// Package metrics provides metrics middleware for LLM clients.
package metrics

import (
	"context"
	"time"

	"reportforge/pkg/agent/llm"
	"reportforge/pkg/agent/llmerrors"
	"reportforge/pkg/config"
	"reportforge/pkg/logx"
	"reportforge/pkg/utils"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// UsageExtractor is a function that extracts token usage from a request and response.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor provides a default implementation using TikToken for token counting.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	var promptText string
	for i := range req.Messages {
		promptText += req.Messages[i].Content + "\n"
	}
	promptTokens = utils.CountTokensSimple(promptText)
	completionTokens = utils.CountTokensSimple(resp.Content)

	return promptTokens, completionTokens
}

// Middleware returns a middleware function that records metrics for LLM operations.
// It tracks request latency, token usage, estimated cost, success/failure rates,
// and error types.
func Middleware(recorder Recorder, usageExtractor UsageExtractor, ctxProvider ContextProvider, logger *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			// Complete implementation with metrics
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()

				model := next.GetModelName()

				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				var promptTokens, completionTokens int
				if err == nil {
					promptTokens, completionTokens = usageExtractor(req, resp)
				}

				errorType := ""
				if err != nil {
					errorType = llmerrors.TypeOf(err).String()
				}

				reportID := ctxProvider.GetReportID()
				role := ctxProvider.GetRole()

				recorder.ObserveRequest(
					model,
					reportID,
					role,
					promptTokens,
					completionTokens,
					estimateCost(model, promptTokens, completionTokens),
					err == nil,
					errorType,
					duration,
				)

				if logger != nil {
					status := statusSuccess
					if err != nil {
						status = statusError
					}
					totalTokens := promptTokens + completionTokens
					logger.Debug("LLM request: model=%s report=%s role=%s tokens=%d+%d=%d status=%s duration=%dms",
						model, reportID, role, promptTokens, completionTokens, totalTokens, status, duration.Milliseconds())
				}

				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			// Delegate GetModelName to the next client
			func() string {
				return next.GetModelName()
			},
		)
	}
}

// estimateCost converts token counts into USD using the static pricing catalog.
func estimateCost(model string, promptTokens, completionTokens int) float64 {
	info := config.GetModelInfo(model)
	return float64(promptTokens)*info.InputCPM/1e6 + float64(completionTokens)*info.OutputCPM/1e6
}
