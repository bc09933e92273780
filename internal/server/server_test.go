package server

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floegence/redeven-research/internal/agent"
	"github.com/floegence/redeven-research/internal/auditlog"
	"github.com/floegence/redeven-research/internal/config"
	"github.com/floegence/redeven-research/internal/events"
	"github.com/floegence/redeven-research/internal/llm"
	"github.com/floegence/redeven-research/internal/research"
	"github.com/floegence/redeven-research/internal/store"
)

type streamed struct {
	Type  events.Type `json:"type"`
	Data  any         `json:"data"`
	Code  string      `json:"code"`
	RunID string      `json:"runId"`
}

type fixture struct {
	srv *httptest.Server
	reg *prometheus.Registry
}

func newFixture(t *testing.T, p llm.Provider) fixture {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	off := 0
	cfg.Research = &config.ResearchConfig{HeartbeatIntervalMs: &off}
	audit, err := auditlog.New(auditlog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	svc, err := research.New(research.Options{
		Config:   cfg,
		Store:    st,
		Audit:    audit,
		Provider: p,
		Model:    "test-model",
		Metrics:  agent.MustNewMetrics(reg),
	})
	require.NoError(t, err)

	s, err := New(Options{Service: svc, Gatherer: reg, Version: "v-test"})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return fixture{srv: ts, reg: reg}
}

func readStream(t *testing.T, body io.Reader) []streamed {
	t.Helper()
	var out []streamed
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev streamed
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		out = append(out, ev)
	}
	return out
}

func postChat(t *testing.T, base string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(base+"/v1/chat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestChat_StreamsNDJSONAndPersists(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &llm.ScriptedProvider{Respond: llm.EchoTurn})
	resp := postChat(t, f.srv.URL, `{"query":"tides"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	runID := resp.Header.Get("X-Run-Id")
	threadID := resp.Header.Get("X-Thread-Id")
	require.NotEmpty(t, runID)
	require.NotEmpty(t, threadID)

	evs := readStream(t, resp.Body)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.TypeEnd, evs[len(evs)-1].Type)
	var text strings.Builder
	for _, ev := range evs {
		if ev.Type == events.TypeResponse {
			text.WriteString(ev.Data.(string))
		}
	}
	assert.Equal(t, "Scripted answer: tides", text.String())

	// The body ends after persistence, so the records are already there.
	var msgs messagesResp
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/v1/threads/"+threadID+"/messages", &msgs))
	require.Len(t, msgs.Messages, 2)
	assert.Equal(t, "Scripted answer: tides", msgs.Messages[1].Markup)

	var stored runEventsResp
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/v1/runs/"+runID+"/events", &stored))
	require.Len(t, stored.Events, len(evs))

	var run store.Run
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/v1/runs/"+runID, &run))
	assert.Equal(t, "completed", run.State)

	var audit auditResp
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/v1/audit?run_id="+runID, &audit))
	require.Len(t, audit.Entries, 2)
	assert.Equal(t, auditlog.ActionRunFinished, audit.Entries[0].Action)

	var threads threadsResp
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/v1/threads", &threads))
	require.Len(t, threads.Threads, 1)
	assert.Equal(t, threadID, threads.Threads[0].ThreadID)
}

func TestChat_BadRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &llm.ScriptedProvider{Respond: llm.EchoTurn})
	tests := []struct {
		name string
		body string
	}{
		{name: "empty query", body: `{"query":"  "}`},
		{name: "not json", body: `nope`},
		{name: "unknown field", body: `{"query":"x","model":"y"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postChat(t, f.srv.URL, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	resp, err := http.Get(f.srv.URL + "/v1/chat")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRunControl_UnknownRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &llm.ScriptedProvider{Respond: llm.EchoTurn})
	for _, path := range []string{"/v1/runs/nope/cancel", "/v1/runs/nope/stop"} {
		resp, err := http.Post(f.srv.URL+path, "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	assert.Equal(t, http.StatusNotFound, getJSON(t, f.srv.URL+"/v1/runs/nope/events", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, f.srv.URL+"/v1/threads/nope/messages", nil))
}

func TestRunControl_CancelLiveRun(t *testing.T) {
	t.Parallel()

	p := llm.NewScriptedProvider(llm.ScriptedTurn{Chunks: []string{"Working"}, Hold: true})
	f := newFixture(t, p)
	resp := postChat(t, f.srv.URL, `{"query":"long one"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runID := resp.Header.Get("X-Run-Id")

	cancel, err := http.Post(f.srv.URL+"/v1/runs/"+runID+"/cancel?reason=user", "application/json", nil)
	require.NoError(t, err)
	cancel.Body.Close()
	require.Equal(t, http.StatusOK, cancel.StatusCode)

	evs := readStream(t, resp.Body)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, events.TypeError, last.Type)
	assert.Equal(t, events.CodeCanceled, last.Code)

	var run store.Run
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/v1/runs/"+runID, &run))
	assert.Equal(t, "cancelled", run.State)
	assert.Equal(t, "user", run.CancelReason)
}

func wsURL(base string) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/v1/chat/ws"
}

func TestChatWS_Streams(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &llm.ScriptedProvider{Respond: llm.EchoTurn})
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(research.AskRequest{Query: "waves"}))
	var started streamed
	require.NoError(t, conn.ReadJSON(&started))
	assert.Equal(t, events.Type("started"), started.Type)
	assert.NotEmpty(t, started.RunID)

	var got []streamed
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev streamed
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		got = append(got, ev)
		if ev.Type.IsTerminal() {
			break
		}
	}
	require.NotEmpty(t, got)
	assert.Equal(t, events.TypeEnd, got[len(got)-1].Type)
}

func TestChatWS_CancelAction(t *testing.T) {
	t.Parallel()

	p := llm.NewScriptedProvider(llm.ScriptedTurn{Chunks: []string{"Working"}, Hold: true})
	f := newFixture(t, p)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(research.AskRequest{Query: "slow"}))
	var started streamed
	require.NoError(t, conn.ReadJSON(&started))
	require.NoError(t, conn.WriteJSON(wsControl{Action: "cancel"}))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var last streamed
	for {
		var ev streamed
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		last = ev
		if ev.Type.IsTerminal() {
			break
		}
	}
	assert.Equal(t, events.TypeError, last.Type)
	assert.Equal(t, events.CodeCanceled, last.Code)
}

func TestMetricsAndHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &llm.ScriptedProvider{Respond: llm.EchoTurn})
	resp := postChat(t, f.srv.URL, `{"query":"metrics please"}`)
	_ = readStream(t, resp.Body)

	m, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer m.Body.Close()
	body, err := io.ReadAll(m.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "redeven_research_agent_runs_total")

	var health map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/healthz", &health))
	assert.Equal(t, true, health["ok"])
	assert.Equal(t, "v-test", health["version"])
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)

	svc, err := research.New(research.Options{Provider: &llm.ScriptedProvider{Respond: llm.EchoTurn}})
	require.NoError(t, err)
	_, err = New(Options{Service: svc, ListenAddr: "no-port"})
	require.Error(t, err)
}
