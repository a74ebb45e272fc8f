package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"medcouncil/internal/consult"
	"medcouncil/internal/provider"
	"medcouncil/internal/session"
)

// instantGateway answers immediately: fixed opinions, votes against doc-2,
// and a canned summary.
type instantGateway struct{}

func (instantGateway) Send(_ context.Context, cfg provider.Config, prompt provider.Prompt, _ []provider.Message) (string, error) {
	switch {
	case strings.Contains(prompt.User, "【医生列表】"):
		return `{"targetDoctorId":"doc-2","reason":"依据不足"}`, nil
	case strings.Contains(prompt.User, "【完整会诊纪要】"):
		return "核心诊断：上呼吸道感染。", nil
	default:
		return cfg.Name + " 的意见", nil
	}
}

// slowGateway blocks until its context is cancelled.
type slowGateway struct{}

func (slowGateway) Send(ctx context.Context, _ provider.Config, _ provider.Prompt, _ []provider.Message) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func testDoctors() []consult.Doctor {
	return []consult.Doctor{
		{ID: "doc-1", Name: "Dr. 1", Provider: "openai", Model: "gpt-4o-mini", APIKey: "k", Status: consult.DoctorActive},
		{ID: "doc-2", Name: "Dr. 2", Provider: "openai", Model: "gpt-4o-mini", APIKey: "k", Status: consult.DoctorActive},
	}
}

func newTestServer(t *testing.T, gateway consult.Gateway) (*Server, *httptest.Server, *session.Store) {
	t.Helper()
	settings := consult.DefaultSettings()
	settings.TurnOrder = consult.TurnOrderFixed
	settings.TypewriterInterval = 0
	settings.VoteInterval = 0

	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)

	engine := consult.NewEngine(settings, testDoctors(), gateway, zerolog.Nop())
	srv := NewServer(engine, provider.NewClient(), store, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts, store
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func getSnapshot(t *testing.T, baseURL string) consult.Snapshot {
	t.Helper()
	resp, err := http.Get(baseURL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap consult.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	return snap
}

func waitForPhase(t *testing.T, baseURL string, phase consult.Phase) consult.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := getSnapshot(t, baseURL)
		if snap.Workflow.Phase == phase {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase %q not reached in time", phase)
	return consult.Snapshot{}
}

func TestStateEndpointReturnsSnapshot(t *testing.T) {
	_, ts, _ := newTestServer(t, instantGateway{})

	snap := getSnapshot(t, ts.URL)
	require.Equal(t, consult.PhaseSetup, snap.Workflow.Phase)
	require.Len(t, snap.Doctors, 2)
}

func TestStartRejectsIncompleteCase(t *testing.T) {
	_, ts, _ := newTestServer(t, instantGateway{})

	resp := postJSON(t, ts.URL+"/api/consult/start", `{"patientCase":{"name":"张三"}}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartRunsToCompletionAndAutosaves(t *testing.T) {
	_, ts, store := newTestServer(t, instantGateway{})

	resp := postJSON(t, ts.URL+"/api/consult/start", `{"patientCase":{"name":"张三","currentProblem":"持续低热三天"}}`)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	snap := waitForPhase(t, ts.URL, consult.PhaseFinished)
	require.Equal(t, consult.DoctorEliminated, snap.Doctors[1].Status)
	require.Equal(t, consult.SummaryReady, snap.FinalSummary.Status)

	deadline := time.Now().Add(2 * time.Second)
	for {
		list, err := store.List()
		require.NoError(t, err)
		if len(list) == 1 {
			break
		}
		require.True(t, time.Now().Before(deadline), "autosave did not happen")
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartConflictsWhileRunning(t *testing.T) {
	srv, ts, _ := newTestServer(t, slowGateway{})

	resp := postJSON(t, ts.URL+"/api/consult/start", `{"patientCase":{"name":"张三","currentProblem":"发热"}}`)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/consult/start", `{"patientCase":{"name":"李四","currentProblem":"咳嗽"}}`)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/consult/stop", "")
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.mu.Lock()
		running := srv.running
		srv.mu.Unlock()
		if !running {
			break
		}
		require.True(t, time.Now().Before(deadline), "run did not stop")
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopWithoutRunConflicts(t *testing.T) {
	_, ts, _ := newTestServer(t, instantGateway{})
	resp := postJSON(t, ts.URL+"/api/consult/stop", "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPatientMessageAppears(t *testing.T) {
	_, ts, _ := newTestServer(t, instantGateway{})

	resp := postJSON(t, ts.URL+"/api/consult/patient-message", `{"content":"补充：服药后无缓解。"}`)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	snap := getSnapshot(t, ts.URL)
	require.Len(t, snap.DiscussionHistory, 1)
	require.Equal(t, consult.EntryPatient, snap.DiscussionHistory[0].Kind)
}

func TestVoteOutsideVotingPhaseRejected(t *testing.T) {
	_, ts, _ := newTestServer(t, instantGateway{})

	resp := postJSON(t, ts.URL+"/api/consult/vote", `{"targetDoctorId":"doc-1"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSummaryBeforeFinishConflicts(t *testing.T) {
	_, ts, _ := newTestServer(t, instantGateway{})

	resp := postJSON(t, ts.URL+"/api/consult/summary", `{}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	_, ts, store := newTestServer(t, instantGateway{})

	resp := postJSON(t, ts.URL+"/api/consult/start", `{"patientCase":{"name":"张三","currentProblem":"持续低热三天"}}`)
	resp.Body.Close()
	waitForPhase(t, ts.URL, consult.PhaseFinished)

	// Wait for the autosave so the explicit save below reuses its session.
	deadline := time.Now().Add(2 * time.Second)
	for {
		list, err := store.List()
		require.NoError(t, err)
		if len(list) == 1 {
			break
		}
		require.True(t, time.Now().Before(deadline), "autosave did not happen")
		time.Sleep(5 * time.Millisecond)
	}

	// Explicit save reuses the autosaved session.
	resp = postJSON(t, ts.URL+"/api/sessions", `{"name":"重要会诊"}`)
	var saved struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&saved))
	resp.Body.Close()
	require.NotEmpty(t, saved.ID)

	resp, err := http.Get(ts.URL + "/api/sessions")
	require.NoError(t, err)
	var listBody struct {
		Sessions []session.Summary `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listBody))
	resp.Body.Close()
	require.Len(t, listBody.Sessions, 1)
	require.Equal(t, "重要会诊", listBody.Sessions[0].Name)

	resp, err = http.Get(ts.URL + "/api/sessions/" + saved.ID + "/export?format=markdown")
	require.NoError(t, err)
	exported, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(exported), "张三")

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/sessions/"+saved.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/sessions/" + saved.ID)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebsocketDeliversSnapshotThenEvents(t *testing.T) {
	_, ts, _ := newTestServer(t, instantGateway{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, first, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(first, &frame))
	require.Equal(t, "snapshot", frame.Type)

	resp := postJSON(t, ts.URL+"/api/consult/start", `{"patientCase":{"name":"张三","currentProblem":"持续低热三天"}}`)
	resp.Body.Close()

	seen := map[string]bool{}
	for !seen["phase_changed"] || !seen["entry_appended"] || !seen["summary_changed"] {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(msg, &ev))
		seen[ev.Type] = true
	}
}
