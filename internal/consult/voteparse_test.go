package consult

import "testing"

func TestParseVoteJSONCleanObject(t *testing.T) {
	got := parseVoteJSON(`{"targetDoctorId":"doc-2","reason":"论证薄弱"}`)
	if got == nil {
		t.Fatal("expected decision, got nil")
	}
	if got.TargetDoctorID != "doc-2" {
		t.Errorf("target = %q, want doc-2", got.TargetDoctorID)
	}
	if got.Reason != "论证薄弱" {
		t.Errorf("reason = %q", got.Reason)
	}
}

func TestParseVoteJSONEmbeddedInProse(t *testing.T) {
	text := "好的，经过考虑，我的决定如下：\n{\"targetDoctorId\":\"doc-1\",\"reason\":\"诊断依据不足\"}\n以上。"
	got := parseVoteJSON(text)
	if got == nil {
		t.Fatal("expected decision, got nil")
	}
	if got.TargetDoctorID != "doc-1" {
		t.Errorf("target = %q, want doc-1", got.TargetDoctorID)
	}
}

func TestParseVoteJSONSingleQuoteRepair(t *testing.T) {
	got := parseVoteJSON(`{'targetDoctorId':'doc-3','reason':'缺乏鉴别'}`)
	if got == nil {
		t.Fatal("expected decision after quote repair, got nil")
	}
	if got.TargetDoctorID != "doc-3" {
		t.Errorf("target = %q, want doc-3", got.TargetDoctorID)
	}
	if got.Reason != "缺乏鉴别" {
		t.Errorf("reason = %q", got.Reason)
	}
}

func TestParseVoteJSONMissingReason(t *testing.T) {
	got := parseVoteJSON(`{"targetDoctorId":"doc-2"}`)
	if got == nil {
		t.Fatal("expected decision, got nil")
	}
	if got.Reason != "" {
		t.Errorf("reason = %q, want empty", got.Reason)
	}
}

func TestParseVoteJSONRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"no braces", "我投给二号医生"},
		{"empty string", ""},
		{"empty object", "{}"},
		{"non-string target", `{"targetDoctorId":2,"reason":"x"}`},
		{"empty target", `{"targetDoctorId":"","reason":"x"}`},
		{"blank target", `{"targetDoctorId":"   ","reason":"x"}`},
		{"broken json", `{"targetDoctorId":"doc-1",`},
		{"brace order", "} no object here {"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseVoteJSON(tc.text); got != nil {
				t.Errorf("parseVoteJSON(%q) = %+v, want nil", tc.text, got)
			}
		})
	}
}

func TestParseVoteJSONUsesOuterSpan(t *testing.T) {
	// First '{' to last '}': a wrapper object around the decision still
	// resolves if the top-level keys are present.
	text := `{"targetDoctorId":"doc-1","reason":"第一段"} 其他 {"note":"x"}`
	got := parseVoteJSON(text)
	if got != nil {
		t.Fatalf("span across two objects is invalid JSON, want nil, got %+v", got)
	}
}

func TestParseVoteJSONTrimsTarget(t *testing.T) {
	got := parseVoteJSON(`{"targetDoctorId":" doc-2 ","reason":" why "}`)
	if got == nil {
		t.Fatal("expected decision, got nil")
	}
	if got.TargetDoctorID != "doc-2" {
		t.Errorf("target = %q, want trimmed doc-2", got.TargetDoctorID)
	}
	if got.Reason != "why" {
		t.Errorf("reason = %q, want trimmed", got.Reason)
	}
}
