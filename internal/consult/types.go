package consult

import (
	"context"
	"time"

	"medcouncil/internal/provider"
)

// Phase is the top-level workflow state of a consultation.
type Phase string

const (
	PhaseSetup      Phase = "setup"
	PhaseDiscussion Phase = "discussion"
	PhaseVoting     Phase = "voting"
	PhaseFinished   Phase = "finished"
)

// Turn orderings for the discussion round.
const (
	TurnOrderRandom = "random"
	TurnOrderFixed  = "fixed"
)

// DoctorStatus is a doctor's standing within the current consultation.
// Eliminated is terminal for the consultation.
type DoctorStatus string

const (
	DoctorActive     DoctorStatus = "active"
	DoctorEliminated DoctorStatus = "eliminated"
)

// Doctor is one configured AI-backed participant. Status and Votes are
// consultation state, reset on start and mutated only by the engine.
type Doctor struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Provider     string       `json:"provider"`
	Model        string       `json:"model"`
	APIKey       string       `json:"apiKey"`
	BaseURL      string       `json:"baseUrl"`
	CustomPrompt string       `json:"customPrompt"`
	Status       DoctorStatus `json:"status"`
	Votes        int          `json:"votes"`
}

// ProviderConfig shapes the doctor for the gateway.
func (d Doctor) ProviderConfig() provider.Config {
	return provider.Config{
		Name:     d.Name,
		Provider: d.Provider,
		Model:    d.Model,
		APIKey:   d.APIKey,
		BaseURL:  d.BaseURL,
	}
}

// PatientCase is the case record read by the prompt builder. Pointer age
// distinguishes "not provided" from zero.
type PatientCase struct {
	Name                   string `json:"name"`
	Gender                 string `json:"gender"`
	Age                    *int   `json:"age"`
	PastHistory            string `json:"pastHistory"`
	CurrentProblem         string `json:"currentProblem"`
	ImageRecognitionResult string `json:"imageRecognitionResult"`
}

// EntryKind tags discussion log entries.
type EntryKind string

const (
	EntrySystem     EntryKind = "system"
	EntryDoctor     EntryKind = "doctor"
	EntryPatient    EntryKind = "patient"
	EntryVoteDetail EntryKind = "vote_detail"
	EntryVoteResult EntryKind = "vote_result"
)

// Entry is one item of the append-only discussion log. Doctor entries grow
// incrementally during the typewriter reveal; the only removal ever made is
// the transient typing placeholder.
type Entry struct {
	ID         string    `json:"id"`
	Kind       EntryKind `json:"type"`
	Content    string    `json:"content,omitempty"`
	DoctorID   string    `json:"doctorId,omitempty"`
	DoctorName string    `json:"doctorName,omitempty"`
	Author     string    `json:"author,omitempty"`
	VoterID    string    `json:"voterId,omitempty"`
	VoterName  string    `json:"voterName,omitempty"`
	TargetID   string    `json:"targetId,omitempty"`
	TargetName string    `json:"targetName,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Workflow is the engine-owned state machine record.
type Workflow struct {
	Phase                    Phase    `json:"phase"`
	CurrentRound             int      `json:"currentRound"`
	RoundsWithoutElimination int      `json:"roundsWithoutElimination"`
	ActiveTurn               string   `json:"activeTurn,omitempty"`
	TurnQueue                []string `json:"turnQueue"`
	Paused                   bool     `json:"paused"`
}

// VoteRecord is one voter's decision in a voting phase.
type VoteRecord struct {
	Round      int    `json:"round"`
	VoterID    string `json:"voterId"`
	VoterName  string `json:"voterName"`
	TargetID   string `json:"targetId"`
	TargetName string `json:"targetName"`
	Reason     string `json:"reason"`
}

// SummaryStatus is the lifecycle of the final summary.
type SummaryStatus string

const (
	SummaryIdle    SummaryStatus = "idle"
	SummaryPending SummaryStatus = "pending"
	SummaryReady   SummaryStatus = "ready"
	SummaryError   SummaryStatus = "error"
)

// FinalSummary is the single closing report of a consultation. Regeneration
// overwrites it.
type FinalSummary struct {
	Status     SummaryStatus `json:"status"`
	DoctorID   string        `json:"doctorId,omitempty"`
	DoctorName string        `json:"doctorName,omitempty"`
	Content    string        `json:"content,omitempty"`
	UsedPrompt string        `json:"usedPrompt,omitempty"`
}

// Settings governs one consultation. The timing knobs exist so tests can run
// without real delays.
type Settings struct {
	GlobalSystemPrompt          string        `json:"globalSystemPrompt"`
	SummaryPrompt               string        `json:"summaryPrompt"`
	TurnOrder                   string        `json:"turnOrder"`
	MaxRoundsWithoutElimination int           `json:"maxRoundsWithoutElimination"`
	TypewriterInterval          time.Duration `json:"-"`
	VoteInterval                time.Duration `json:"-"`
}

// DefaultSettings mirrors the stock clinical prompts and a three-round
// stalemate cap.
func DefaultSettings() Settings {
	return Settings{
		GlobalSystemPrompt:          DefaultSystemPrompt,
		SummaryPrompt:               DefaultSummaryPrompt,
		TurnOrder:                   TurnOrderRandom,
		MaxRoundsWithoutElimination: 3,
		TypewriterInterval:          15 * time.Millisecond,
		VoteInterval:                50 * time.Millisecond,
	}
}

// Gateway is the engine's view of the provider layer.
type Gateway interface {
	Send(ctx context.Context, cfg provider.Config, prompt provider.Prompt, history []provider.Message) (string, error)
}

// ValidationError reports a malformed start request. No engine state is
// mutated when one is returned.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "consult: " + e.Reason }

// Snapshot is a deep copy of everything a reader or the session store needs.
// It is also the persisted unit of save/restore.
type Snapshot struct {
	Settings          Settings     `json:"settings"`
	Doctors           []Doctor     `json:"doctors"`
	PatientCase       PatientCase  `json:"patientCase"`
	Workflow          Workflow     `json:"workflow"`
	DiscussionHistory []Entry      `json:"discussionHistory"`
	LastRoundVotes    []VoteRecord `json:"lastRoundVotes"`
	FinalSummary      FinalSummary `json:"finalSummary"`
}

// EventType enumerates engine change notifications.
type EventType string

const (
	EventEntryAppended  EventType = "entry_appended"
	EventEntryUpdated   EventType = "entry_updated"
	EventEntryRemoved   EventType = "entry_removed"
	EventPhaseChanged   EventType = "phase_changed"
	EventRosterChanged  EventType = "roster_changed"
	EventSummaryChanged EventType = "summary_changed"
)

// Event is one incremental change pushed to observers. The engine emits
// events in mutation order from its single run goroutine.
type Event struct {
	Type    EventType     `json:"type"`
	Entry   *Entry        `json:"entry,omitempty"`
	EntryID string        `json:"entryId,omitempty"`
	Phase   Phase         `json:"phase,omitempty"`
	Round   int           `json:"round,omitempty"`
	Doctors []Doctor      `json:"doctors,omitempty"`
	Summary *FinalSummary `json:"summary,omitempty"`
}
