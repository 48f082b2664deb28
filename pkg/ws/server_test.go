package ws

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"reportforge/pkg/agent"
	"reportforge/pkg/dispatch"
	"reportforge/pkg/metrics"
	"reportforge/pkg/persistence"
	"reportforge/pkg/pipeline"
	"reportforge/pkg/render"
	"reportforge/pkg/retrieval"
	"reportforge/pkg/session"
	"reportforge/pkg/templates"
	"reportforge/pkg/testkit"
)

// scriptedFactory hands each role a queue of scripted clients, reusing the
// last one when the queue runs dry.
type scriptedFactory struct {
	mu      sync.Mutex
	clients map[string][]*testkit.ScriptedClient
	used    map[string]int
}

func (f *scriptedFactory) NewAgent(_, _, role, systemPrompt string) (*agent.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	queue := f.clients[role]
	idx := f.used[role]
	if idx >= len(queue) {
		idx = len(queue) - 1
	}
	f.used[role]++
	return agent.New(queue[idx], agent.WithSystemPrompt(systemPrompt)), nil
}

type env struct {
	server   *httptest.Server
	store    *persistence.Store
	password string
	username string
}

func newEnv(t *testing.T, factory pipeline.AgentFactory, opts func(*ServerDeps)) *env {
	t.Helper()

	db, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := persistence.NewStore(db)

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = store.CreateUser("tester", string(hash))
	require.NoError(t, err)

	dispatcher := dispatch.NewDispatcher(2)
	dispatcher.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = dispatcher.Stop(ctx)
	})

	renderer, err := templates.NewRenderer()
	require.NoError(t, err)

	deps := ServerDeps{
		Store:      store,
		Pipeline:   pipeline.New(factory, renderer),
		Dispatcher: dispatcher,
		Writer:     render.NewWriter(filepath.Join(t.TempDir(), "reports")),
	}
	if opts != nil {
		opts(&deps)
	}

	mux := http.NewServeMux()
	NewServer(deps).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &env{server: srv, store: store, password: "secret", username: "tester"}
}

func (e *env) authHeader() http.Header {
	header := http.Header{}
	cred := base64.StdEncoding.EncodeToString([]byte(e.username + ":" + e.password))
	header.Set("Authorization", "Basic "+cred)
	return header
}

func (e *env) post(t *testing.T, path string, body any, auth bool) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	if auth {
		req.SetBasicAuth(e.username, e.password)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, &scriptedFactory{}, nil)

	resp, err := http.Get(e.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestChunksRequireAuth(t *testing.T) {
	e := newEnv(t, &scriptedFactory{}, nil)

	resp := e.post(t, "/api/chunks", chunkRequest{Text: "hello"}, false)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func TestChunkIngestion(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	chunkStore := retrieval.NewStore(client)

	e := newEnv(t, &scriptedFactory{}, func(deps *ServerDeps) {
		deps.Embedder = fixedEmbedder{}
		deps.ChunkStore = chunkStore
	})

	resp := e.post(t, "/api/chunks", chunkRequest{Text: "ghg protocol scopes"}, true)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body["id"])

	count, err := chunkStore.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestChunkIngestionUnconfigured(t *testing.T) {
	e := newEnv(t, &scriptedFactory{}, nil)

	resp := e.post(t, "/api/chunks", chunkRequest{Text: "hello"}, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPlanGenerateWebsocket(t *testing.T) {
	factory := &scriptedFactory{
		clients: map[string][]*testkit.ScriptedClient{
			pipeline.RoleThresholder: {testkit.NewScriptedClient("stub", testkit.Reply(`{"threshold": 2}`))},
			pipeline.RolePlanner: {testkit.NewScriptedClient("stub",
				testkit.Reply(`{"Introduction": "Opening overview", "Emissions": "Scope inventory"}`))},
			pipeline.RoleEvaluator: {testkit.NewScriptedClient("stub",
				testkit.Reply(`{"modification": false, "critique": null}`))},
			pipeline.RoleDescriber: {testkit.NewScriptedClient("stub", testkit.Reply("section brief"))},
			pipeline.RoleWriter: {
				testkit.NewScriptedClient("stub", testkit.Reply("Introduction prose.")),
				testkit.NewScriptedClient("stub", testkit.Reply("Emissions prose.")),
			},
		},
		used: map[string]int{},
	}
	e := newEnv(t, factory, nil)

	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/plan_generate"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, e.authHeader())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(session.PlanMessage{
		Standard: "ghg",
		Goal:     "Annual emissions report",
		Plan:     "Cover all scopes",
		Action:   "generate",
		Company:  "Acme",
		Model:    "openai-4o",
	}))

	var thresholdMsg session.StatusResponse
	require.NoError(t, conn.ReadJSON(&thresholdMsg))
	assert.Equal(t, session.StatusSuccess, thresholdMsg.TaskStatus)

	var outlineMsg session.StatusResponse
	require.NoError(t, conn.ReadJSON(&outlineMsg))
	require.Equal(t, session.StatusSuccess, outlineMsg.TaskStatus)

	require.NoError(t, conn.WriteJSON(session.AcceptanceMessage{Proceed: true}))

	var finalMsg session.StatusResponse
	require.NoError(t, conn.ReadJSON(&finalMsg))
	require.Equal(t, session.StatusSuccess, finalMsg.TaskStatus)

	records, err := json.Marshal(finalMsg.Response)
	require.NoError(t, err)
	assert.Contains(t, string(records), "Introduction prose.")
	assert.Contains(t, string(records), "Emissions prose.")

	// The report row reaches the terminal state with its artifact recorded.
	require.Eventually(t, func() bool {
		user, err := e.store.GetUserByUsername("tester")
		if err != nil {
			return false
		}
		reports, err := e.store.ReportsByUser(user.ID)
		if err != nil || len(reports) != 1 {
			return false
		}
		return reports[0].Status == persistence.ReportStatusDone && reports[0].ArtifactPath != ""
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSectionEdit(t *testing.T) {
	factory := &scriptedFactory{
		clients: map[string][]*testkit.ScriptedClient{
			pipeline.RoleEditor: {testkit.NewScriptedClient("stub",
				testkit.Reply(`{"modified_section": "Rewritten section text."}`))},
		},
		used: map[string]int{},
	}
	e := newEnv(t, factory, nil)

	user, err := e.store.GetUserByUsername("tester")
	require.NoError(t, err)
	report := &persistence.Report{
		UserID:   user.ID,
		Company:  "Acme",
		Standard: "ghg",
		Goal:     "goal",
		UserPlan: "plan",
		Action:   "generate",
		Model:    "openai-4o",
	}
	require.NoError(t, e.store.CreateReport(report))
	sections := []*persistence.Section{{Name: "Emissions", InitialSummary: "summary"}}
	require.NoError(t, e.store.ReplaceSections(report.ID, sections))
	require.NoError(t, e.store.UpdateSectionContent(report.ID, "Emissions", "brief", "Original text."))

	resp := e.post(t, "/api/sections/"+sections[0].ID+"/edit", editRequest{EditRequest: "Shorten it"}, true)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body editResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Rewritten section text.", body.ModifiedSection)

	sec, err := e.store.GetSection(sections[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Rewritten section text.", sec.LatestContent())
}

func TestSectionEditUnknownSection(t *testing.T) {
	e := newEnv(t, &scriptedFactory{}, nil)

	resp := e.post(t, "/api/sections/nope/edit", editRequest{EditRequest: "x"}, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReportMetricsByRole(t *testing.T) {
	prom := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		result := `[{"metric":{},"value":[1693300000,"50"]}]`
		if strings.HasPrefix(r.FormValue("query"), "group by (role)") {
			result = `[{"metric":{"role":"planner"},"value":[1693300000,"1"]}]`
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":%s}}`, result)
	}))
	t.Cleanup(prom.Close)

	querySvc, err := metrics.NewQueryService(prom.URL)
	require.NoError(t, err)

	e := newEnv(t, &scriptedFactory{}, func(deps *ServerDeps) {
		deps.QuerySvc = querySvc
	})

	user, err := e.store.GetUserByUsername("tester")
	require.NoError(t, err)
	report := &persistence.Report{
		UserID:   user.ID,
		Company:  "Acme",
		Standard: "ghg",
		Goal:     "goal",
		UserPlan: "plan",
		Action:   "generate",
		Model:    "openai-4o",
	}
	require.NoError(t, e.store.CreateReport(report))

	req, err := http.NewRequest(http.MethodGet, e.server.URL+"/api/reports/"+report.ID+"/metrics?by_role=1", nil)
	require.NoError(t, err)
	req.SetBasicAuth(e.username, e.password)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]*metrics.ReportMetrics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	planner := body["planner"]
	require.NotNil(t, planner)
	assert.Equal(t, int64(100), planner.TotalTokens)
	assert.InDelta(t, 50, planner.TotalCost, 1e-9)
}

func TestReportMetricsUnconfigured(t *testing.T) {
	e := newEnv(t, &scriptedFactory{}, nil)

	req, err := http.NewRequest(http.MethodGet, e.server.URL+"/api/reports/some-id/metrics", nil)
	require.NoError(t, err)
	req.SetBasicAuth(e.username, e.password)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
