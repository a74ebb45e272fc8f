package consult

import (
	"strings"

	"github.com/tidwall/gjson"
)

// voteDecision is the structured outcome extracted from a voter's reply.
type voteDecision struct {
	TargetDoctorID string
	Reason         string
}

// parseVoteJSON extracts a vote decision from free-form model output. It
// takes the span from the first '{' to the last '}', parses it, and retries
// once with single quotes replaced by double quotes. A nil result means "no
// vote could be determined" — it never panics and never returns an error.
func parseVoteJSON(text string) *voteDecision {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil
	}
	candidate := text[start : end+1]

	for _, raw := range []string{candidate, strings.ReplaceAll(candidate, "'", `"`)} {
		if !gjson.Valid(raw) {
			continue
		}
		parsed := gjson.Parse(raw)
		target := parsed.Get("targetDoctorId")
		if target.Type != gjson.String {
			continue
		}
		id := strings.TrimSpace(target.String())
		if id == "" {
			continue
		}
		return &voteDecision{
			TargetDoctorID: id,
			Reason:         strings.TrimSpace(parsed.Get("reason").String()),
		}
	}
	return nil
}
