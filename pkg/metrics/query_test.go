package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakePrometheus serves canned vector results keyed by the exact query
// string. Unknown queries get an empty vector.
func newFakePrometheus(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		result, ok := results[r.FormValue("query")]
		if !ok {
			result = "[]"
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":%s}}`, result)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetReportMetrics(t *testing.T) {
	srv := newFakePrometheus(t, map[string]string{
		`sum(llm_tokens_total{report_id="r1", type="prompt"})`:     `[{"metric":{},"value":[1693300000,"300"]}]`,
		`sum(llm_tokens_total{report_id="r1", type="completion"})`: `[{"metric":{},"value":[1693300000,"120"]}]`,
		`sum(llm_costs_total{report_id="r1"})`:                     `[{"metric":{},"value":[1693300000,"1.75"]}]`,
	})

	svc, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	usage, err := svc.GetReportMetrics(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", usage.ReportID)
	assert.Equal(t, int64(300), usage.PromptTokens)
	assert.Equal(t, int64(120), usage.CompletionTokens)
	assert.Equal(t, int64(420), usage.TotalTokens)
	assert.InDelta(t, 1.75, usage.TotalCost, 1e-9)
}

func TestGetReportMetricsNoData(t *testing.T) {
	srv := newFakePrometheus(t, nil)

	svc, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	usage, err := svc.GetReportMetrics(context.Background(), "r1")
	require.NoError(t, err)
	assert.Zero(t, usage.TotalTokens)
	assert.Zero(t, usage.TotalCost)
}

func TestGetReportMetricsByRole(t *testing.T) {
	srv := newFakePrometheus(t, map[string]string{
		`group by (role) (llm_tokens_total{report_id="r1"})`:                       `[{"metric":{"role":"planner"},"value":[1693300000,"1"]},{"metric":{"role":"writer"},"value":[1693300000,"1"]}]`,
		`sum(llm_tokens_total{report_id="r1", role="planner", type="prompt"})`:     `[{"metric":{},"value":[1693300000,"100"]}]`,
		`sum(llm_tokens_total{report_id="r1", role="planner", type="completion"})`: `[{"metric":{},"value":[1693300000,"40"]}]`,
		`sum(llm_costs_total{report_id="r1", role="planner"})`:                     `[{"metric":{},"value":[1693300000,"0.5"]}]`,
		`sum(llm_tokens_total{report_id="r1", role="writer", type="prompt"})`:      `[{"metric":{},"value":[1693300000,"200"]}]`,
		`sum(llm_tokens_total{report_id="r1", role="writer", type="completion"})`:  `[{"metric":{},"value":[1693300000,"80"]}]`,
		`sum(llm_costs_total{report_id="r1", role="writer"})`:                      `[{"metric":{},"value":[1693300000,"1.25"]}]`,
	})

	svc, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	byRole, err := svc.GetReportMetricsByRole(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, byRole, 2)

	planner := byRole["planner"]
	require.NotNil(t, planner)
	assert.Equal(t, int64(100), planner.PromptTokens)
	assert.Equal(t, int64(140), planner.TotalTokens)
	assert.InDelta(t, 0.5, planner.TotalCost, 1e-9)

	writer := byRole["writer"]
	require.NotNil(t, writer)
	assert.Equal(t, int64(280), writer.TotalTokens)
	assert.InDelta(t, 1.25, writer.TotalCost, 1e-9)
}

func TestGetReportMetricsByRoleNoRoles(t *testing.T) {
	srv := newFakePrometheus(t, nil)

	svc, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	byRole, err := svc.GetReportMetricsByRole(context.Background(), "r1")
	require.NoError(t, err)
	assert.Empty(t, byRole)
}
