package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"medcouncil/internal/consult"
	"medcouncil/internal/output"
	"medcouncil/internal/provider"
	"medcouncil/internal/session"
)

// TestE2EFullConsultationWithMockProvider wires the real provider client
// against a mock OpenAI-shaped server and runs a complete consultation
// through the engine, the artifact writer and the session store.
func TestE2EFullConsultationWithMockProvider(t *testing.T) {
	var requestCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)

		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key-123" {
			t.Errorf("bad auth header: %s", auth)
		}

		var req struct {
			Messages []provider.Message `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		userPrompt := ""
		if len(req.Messages) > 0 {
			userPrompt = req.Messages[len(req.Messages)-1].Content
		}

		var content string
		switch {
		case strings.Contains(userPrompt, "【医生列表】"):
			content = `{"targetDoctorId":"doc-2","reason":"鉴别诊断不充分"}`
		case strings.Contains(userPrompt, "【完整会诊纪要】"):
			content = "核心诊断：急性上呼吸道感染。建议对症处理，三天后复诊。"
		default:
			content = "结合病史与主诉，考虑上呼吸道感染可能性最大，建议查血常规。"
		}

		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}]}`, content)
	}))
	defer server.Close()

	client := provider.NewClient()
	client.SetBackoff(func(int) time.Duration { return 0 })

	doctors := []consult.Doctor{
		{ID: "doc-1", Name: "Dr. 1", Provider: "openai", Model: "gpt-4o-mini", APIKey: "test-key-123", BaseURL: server.URL},
		{ID: "doc-2", Name: "Dr. 2", Provider: "openai", Model: "gpt-4o-mini", APIKey: "test-key-123", BaseURL: server.URL},
	}

	settings := consult.DefaultSettings()
	settings.TurnOrder = consult.TurnOrderFixed
	settings.TypewriterInterval = 0
	settings.VoteInterval = 0

	dir, err := output.CreateOutputDir(t.TempDir(), output.GenerateSlug("e2e case"))
	if err != nil {
		t.Fatalf("CreateOutputDir: %v", err)
	}
	writer := output.NewWriter(dir)

	engine := consult.NewEngine(settings, doctors, client, zerolog.Nop())
	engine.OnEvent = func(ev consult.Event) {
		if ev.Type == consult.EventEntryAppended && ev.Entry.Kind == consult.EntrySystem {
			writer.Log(ev.Entry.Content)
		}
	}

	patient := consult.PatientCase{Name: "张三", CurrentProblem: "持续低热三天"}
	if err := engine.Run(context.Background(), patient); err != nil {
		t.Fatalf("consultation failed: %v", err)
	}

	snap := engine.Snapshot()
	if snap.Workflow.Phase != consult.PhaseFinished {
		t.Fatalf("phase = %q, want finished", snap.Workflow.Phase)
	}
	if snap.Doctors[1].Status != consult.DoctorEliminated {
		t.Error("doc-2 should be voted off")
	}
	if snap.FinalSummary.Status != consult.SummaryReady {
		t.Fatalf("summary status = %q", snap.FinalSummary.Status)
	}
	if !strings.Contains(snap.FinalSummary.Content, "核心诊断") {
		t.Errorf("summary = %q", snap.FinalSummary.Content)
	}

	if err := writer.WriteJSON(snap); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if err := writer.WriteMarkdown("e2e 会诊", snap); err != nil {
		t.Fatalf("WriteMarkdown: %v", err)
	}

	for _, name := range []string{"session.json", "report.md", "consult.log"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing output file %s: %v", name, err)
		}
	}

	jsonData, _ := os.ReadFile(filepath.Join(dir, "session.json"))
	var parsed consult.Snapshot
	if err := json.Unmarshal(jsonData, &parsed); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if parsed.PatientCase.Name != "张三" {
		t.Errorf("wrong patient in JSON: %s", parsed.PatientCase.Name)
	}

	mdData, _ := os.ReadFile(filepath.Join(dir, "report.md"))
	if !strings.Contains(string(mdData), "最终总结") {
		t.Error("markdown missing final summary section")
	}

	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	id, err := store.Save("", "e2e 会诊", snap)
	if err != nil {
		t.Fatalf("store.Save: %v", err)
	}
	restored, err := store.Load(id)
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	if len(restored.DiscussionHistory) != len(snap.DiscussionHistory) {
		t.Errorf("restored history length = %d, want %d", len(restored.DiscussionHistory), len(snap.DiscussionHistory))
	}

	t.Logf("E2E complete: %d rounds, %d entries, %d API calls",
		snap.Workflow.CurrentRound, len(snap.DiscussionHistory), requestCount.Load())
}
