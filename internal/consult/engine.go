package consult

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine drives one consultation: sequential discussion rounds, automated
// voting with elimination, and final-summary generation. A consultation runs
// as a single goroutine inside Run; all other exported methods are safe to
// call concurrently and observe state through the mutex. Readers get deep
// copies via Snapshot and incremental changes via OnEvent.
type Engine struct {
	mu             sync.Mutex
	settings       Settings
	doctors        []*Doctor
	patient        PatientCase
	workflow       Workflow
	history        []Entry
	lastRoundVotes []VoteRecord
	finalSummary   FinalSummary

	gateway Gateway
	log     zerolog.Logger
	rng     *rand.Rand

	// non-nil while paused; closed by Resume
	resumeCh chan struct{}

	// OnEvent receives every incremental change. Set it before Run.
	OnEvent func(Event)
}

// NewEngine creates an engine over a doctor roster. Roster order is
// preserved; it defines the fixed turn order and the voting traversal order.
func NewEngine(settings Settings, doctors []Doctor, gateway Gateway, log zerolog.Logger) *Engine {
	if settings.MaxRoundsWithoutElimination <= 0 {
		settings.MaxRoundsWithoutElimination = 3
	}
	if settings.TurnOrder == "" {
		settings.TurnOrder = TurnOrderRandom
	}
	roster := make([]*Doctor, len(doctors))
	for i := range doctors {
		d := doctors[i]
		roster[i] = &d
	}
	return &Engine{
		settings:     settings,
		doctors:      roster,
		workflow:     Workflow{Phase: PhaseSetup},
		finalSummary: FinalSummary{Status: SummaryIdle},
		gateway:      gateway,
		log:          log,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRand replaces the shuffle source (tests).
func (e *Engine) SetRand(rng *rand.Rand) { e.rng = rng }

// ValidatePatientCase checks the minimum a consultation needs: a patient
// name and a current problem.
func ValidatePatientCase(patient PatientCase) error {
	if strings.TrimSpace(patient.Name) == "" || strings.TrimSpace(patient.CurrentProblem) == "" {
		return &ValidationError{Reason: "请填写患者名称和本次问题"}
	}
	return nil
}

// Run validates the case, resets the roster, and drives the consultation to
// the finished phase. It blocks until the final summary has been generated
// or ctx is cancelled. A *ValidationError is returned without any state
// change.
func (e *Engine) Run(ctx context.Context, patient PatientCase) error {
	if err := ValidatePatientCase(patient); err != nil {
		return err
	}

	e.mu.Lock()
	e.patient = patient
	for _, d := range e.doctors {
		d.Status = DoctorActive
		d.Votes = 0
	}
	e.workflow = Workflow{Phase: PhaseDiscussion, CurrentRound: 1}
	e.finalSummary = FinalSummary{Status: SummaryIdle}
	e.lastRoundVotes = nil
	e.resumeCh = nil
	round := e.workflow.CurrentRound
	e.mu.Unlock()

	e.emitRoster()
	e.emitPhase(PhaseDiscussion)
	e.appendSystem(fmt.Sprintf("第 %d 轮会诊开始", round))
	e.generateTurnQueue()

	for {
		if err := e.runDiscussionRound(ctx); err != nil {
			return err
		}
		if err := e.autoVote(ctx); err != nil {
			return err
		}
		done, err := e.ConfirmVote(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Pause requests suspension at the next checkpoint: before each turn, each
// voter, and each typewriter character.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resumeCh == nil {
		e.resumeCh = make(chan struct{})
		e.workflow.Paused = true
	}
}

// Resume releases a paused consultation.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resumeCh != nil {
		close(e.resumeCh)
		e.resumeCh = nil
		e.workflow.Paused = false
	}
}

// TogglePause flips the pause flag.
func (e *Engine) TogglePause() {
	e.mu.Lock()
	paused := e.resumeCh != nil
	e.mu.Unlock()
	if paused {
		e.Resume()
	} else {
		e.Pause()
	}
}

// Paused reports whether the engine will suspend at its next checkpoint.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resumeCh != nil
}

func (e *Engine) waitWhilePaused(ctx context.Context) error {
	for {
		e.mu.Lock()
		ch := e.resumeCh
		e.mu.Unlock()
		if ch == nil {
			return ctx.Err()
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AddPatientMessage appends a patient-authored entry to the log. It never
// edits in-flight entries, so it is safe while a round is running.
func (e *Engine) AddPatientMessage(text string) {
	content := strings.TrimSpace(text)
	if content == "" {
		return
	}
	e.mu.Lock()
	author := patientLabel(e.patient)
	e.mu.Unlock()
	e.appendEntry(Entry{Kind: EntryPatient, Author: author, Content: content})
}

// SetImageRecognitionResult updates the case's image finding. This and
// patient messages are the only case mutations allowed mid-consultation.
func (e *Engine) SetImageRecognitionResult(text string) {
	e.mu.Lock()
	e.patient.ImageRecognitionResult = text
	e.mu.Unlock()
}

// generateTurnQueue fills the workflow queue with the currently active
// doctor ids, shuffled or in roster order depending on settings.
func (e *Engine) generateTurnQueue() {
	e.mu.Lock()
	defer e.mu.Unlock()
	queue := make([]string, 0, len(e.doctors))
	for _, d := range e.doctors {
		if d.Status == DoctorActive {
			queue = append(queue, d.ID)
		}
	}
	if e.settings.TurnOrder == TurnOrderRandom {
		e.rng.Shuffle(len(queue), func(i, j int) { queue[i], queue[j] = queue[j], queue[i] })
	}
	e.workflow.TurnQueue = queue
}

// runDiscussionRound walks the turn queue, collecting one opinion per active
// doctor. A gateway failure is recorded as that doctor's entry and the round
// continues; only pause and cancellation stop the walk.
func (e *Engine) runDiscussionRound(ctx context.Context) error {
	e.mu.Lock()
	queue := append([]string(nil), e.workflow.TurnQueue...)
	e.mu.Unlock()

	for _, doctorID := range queue {
		e.mu.Lock()
		doctor := e.doctorByIDLocked(doctorID)
		if doctor == nil || doctor.Status != DoctorActive {
			e.mu.Unlock()
			continue
		}
		voter := *doctor
		patient := e.patient
		history := append([]Entry(nil), e.history...)
		systemPrompt := doctor.CustomPrompt
		if systemPrompt == "" {
			systemPrompt = e.settings.GlobalSystemPrompt
		}
		e.mu.Unlock()

		if err := e.waitWhilePaused(ctx); err != nil {
			return err
		}

		e.setActiveTurn(doctorID)
		typingID := e.appendEntry(Entry{Kind: EntrySystem, Content: fmt.Sprintf("%s 正在输入...", voter.Name)})

		prompt := buildOpinionPrompt(systemPrompt, patient, history, voter.ID)
		providerHistory := formatHistoryForProvider(history, patient, voter.ID)

		response, err := e.gateway.Send(ctx, voter.ProviderConfig(), prompt, providerHistory)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Warn().Err(err).Str("doctor", voter.Name).Msg("opinion call failed")
			e.setActiveTurn("")
			e.removeEntry(typingID)
			e.appendEntry(Entry{
				Kind:       EntryDoctor,
				DoctorID:   voter.ID,
				DoctorName: voter.Name,
				Content:    fmt.Sprintf("调用 %s 失败: %v", voter.Name, err),
			})
			continue
		}

		e.removeEntry(typingID)
		entryID := e.appendEntry(Entry{Kind: EntryDoctor, DoctorID: voter.ID, DoctorName: voter.Name})
		if err := e.reveal(ctx, entryID, response); err != nil {
			return err
		}
		e.setActiveTurn("")
	}

	e.setPhase(PhaseVoting)
	e.appendSystem("本轮发言结束，医生团队正在投票...")
	return nil
}

// reveal types the response into the entry rune by rune, honoring pause
// between characters. Partial content is stable across a pause.
func (e *Engine) reveal(ctx context.Context, entryID, response string) error {
	for _, r := range response {
		if err := e.waitWhilePaused(ctx); err != nil {
			return err
		}
		e.appendToEntry(entryID, string(r))
		if e.settings.TypewriterInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.settings.TypewriterInterval):
			}
		}
	}
	return nil
}

// autoVote collects one decision per active doctor, in roster order. A
// doctor without a credential self-votes deterministically; parse failures
// and invalid targets fall back to self-votes.
func (e *Engine) autoVote(ctx context.Context) error {
	e.resetVotes()

	e.mu.Lock()
	e.lastRoundVotes = nil
	round := e.workflow.CurrentRound
	var active []Doctor
	for _, d := range e.doctors {
		if d.Status == DoctorActive {
			active = append(active, *d)
		}
	}
	e.mu.Unlock()

	activeIDs := make(map[string]bool, len(active))
	for _, d := range active {
		activeIDs[d.ID] = true
	}

	for _, voter := range active {
		if err := e.waitWhilePaused(ctx); err != nil {
			return err
		}

		var targetID, reason string
		if voter.APIKey == "" {
			targetID = voter.ID
			reason = "模拟模式：自评其方案需进一步论证，投给自己。"
		} else {
			e.mu.Lock()
			patient := e.patient
			history := append([]Entry(nil), e.history...)
			systemPrompt := voter.CustomPrompt
			if systemPrompt == "" {
				systemPrompt = e.settings.GlobalSystemPrompt
			}
			e.mu.Unlock()

			prompt := buildVotePrompt(systemPrompt, patient, history, active, voter)
			providerHistory := formatHistoryForProvider(history, patient, voter.ID)
			response, err := e.gateway.Send(ctx, voter.ProviderConfig(), prompt, providerHistory)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.log.Warn().Err(err).Str("doctor", voter.Name).Msg("vote call failed")
			} else if decision := parseVoteJSON(response); decision != nil {
				targetID = decision.TargetDoctorID
				reason = decision.Reason
				if reason == "" {
					reason = "综合讨论后做出的判断。"
				}
			}
		}

		if targetID == "" || !activeIDs[targetID] {
			targetID = voter.ID
			if reason == "" {
				reason = "解析失败：默认投给自己。"
			}
		}

		e.mu.Lock()
		targetName := ""
		if target := e.doctorByIDLocked(targetID); target != nil {
			targetName = target.Name
		}
		record := VoteRecord{
			Round:      round,
			VoterID:    voter.ID,
			VoterName:  voter.Name,
			TargetID:   targetID,
			TargetName: targetName,
			Reason:     reason,
		}
		e.lastRoundVotes = append(e.lastRoundVotes, record)
		e.mu.Unlock()

		e.appendEntry(Entry{
			Kind:       EntryVoteDetail,
			VoterID:    record.VoterID,
			VoterName:  record.VoterName,
			TargetID:   record.TargetID,
			TargetName: record.TargetName,
			Reason:     record.Reason,
		})
		e.voteFor(targetID)

		if e.settings.VoteInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.settings.VoteInterval):
			}
		}
	}
	return nil
}

// CastVote is the manual override path: one extra vote for an active doctor
// during the voting phase.
func (e *Engine) CastVote(targetID string) error {
	e.mu.Lock()
	if e.workflow.Phase != PhaseVoting {
		e.mu.Unlock()
		return &ValidationError{Reason: "当前不在评估阶段"}
	}
	target := e.doctorByIDLocked(targetID)
	if target == nil || target.Status != DoctorActive {
		e.mu.Unlock()
		return &ValidationError{Reason: "目标医生不存在或已被淘汰"}
	}
	e.mu.Unlock()
	e.voteFor(targetID)
	return nil
}

// ConfirmVote tallies the round, records the outcome, and either finishes
// the consultation or sets up the next round. It reports true when the
// consultation reached the finished phase.
func (e *Engine) ConfirmVote(ctx context.Context) (bool, error) {
	message := e.tallyVotes()
	e.appendEntry(Entry{Kind: EntryVoteResult, Content: message})

	if e.checkEndConditions(ctx) {
		return true, nil
	}

	e.resetVotes()
	e.mu.Lock()
	e.workflow.CurrentRound++
	round := e.workflow.CurrentRound
	e.mu.Unlock()
	e.appendSystem(fmt.Sprintf("第 %d 轮会诊开始", round))
	e.setPhase(PhaseDiscussion)
	e.generateTurnQueue()
	return false, nil
}

// tallyVotes eliminates the unique top-voted active doctor. A tie at the top
// or an all-zero count eliminates nobody and bumps the stalemate counter.
func (e *Engine) tallyVotes() string {
	e.mu.Lock()
	maxVotes := 0
	var top []*Doctor
	for _, d := range e.doctors {
		if d.Status != DoctorActive {
			continue
		}
		switch {
		case d.Votes > maxVotes:
			maxVotes = d.Votes
			top = []*Doctor{d}
		case d.Votes == maxVotes:
			top = append(top, d)
		}
	}

	if maxVotes == 0 || len(top) != 1 {
		e.workflow.RoundsWithoutElimination++
		e.mu.Unlock()
		return "投票结束：因平票或无人投票，本轮无人淘汰。"
	}

	eliminated := top[0]
	eliminated.Status = DoctorEliminated
	e.workflow.RoundsWithoutElimination = 0
	name := eliminated.Name
	e.mu.Unlock()

	e.emitRoster()
	return fmt.Sprintf("投票结束：%s 被淘汰。", name)
}

// checkEndConditions finishes the consultation on a stalemate cap or when at
// most one doctor survives, triggering summary generation. Otherwise the
// engine stays in the voting phase for ConfirmVote to advance.
func (e *Engine) checkEndConditions(ctx context.Context) bool {
	e.mu.Lock()
	var active []Doctor
	for _, d := range e.doctors {
		if d.Status == DoctorActive {
			active = append(active, *d)
		}
	}
	stalemate := e.workflow.RoundsWithoutElimination >= e.settings.MaxRoundsWithoutElimination
	e.mu.Unlock()

	if stalemate {
		e.setPhase(PhaseFinished)
		e.appendSystem("达到无淘汰轮数上限，会诊结束。")
		e.GenerateFinalSummary(ctx, "")
		return true
	}

	if len(active) <= 1 {
		e.setPhase(PhaseFinished)
		if len(active) == 1 {
			e.appendSystem(fmt.Sprintf("会诊结束：%s 获胜。", active[0].Name))
			e.GenerateFinalSummary(ctx, active[0].ID)
		} else {
			e.appendSystem("会诊结束：无存活医生。")
			e.GenerateFinalSummary(ctx, "")
		}
		return true
	}

	return false
}

// GenerateFinalSummary builds the closing report. The summarizer is the
// preferred doctor when given, else the first active doctor, else the first
// doctor in the roster. Pending status is observable before the gateway call
// resolves; failures land in the summary status, never as an error.
func (e *Engine) GenerateFinalSummary(ctx context.Context, preferredDoctorID string) {
	e.mu.Lock()
	var summarizer *Doctor
	if preferredDoctorID != "" {
		summarizer = e.doctorByIDLocked(preferredDoctorID)
	}
	if summarizer == nil {
		for _, d := range e.doctors {
			if d.Status == DoctorActive {
				summarizer = d
				break
			}
		}
	}
	if summarizer == nil && len(e.doctors) > 0 {
		summarizer = e.doctors[0]
	}
	if summarizer == nil {
		e.mu.Unlock()
		return
	}

	usedPrompt := e.settings.SummaryPrompt
	if usedPrompt == "" {
		usedPrompt = DefaultSummaryPrompt
	}
	doc := *summarizer
	patient := e.patient
	history := append([]Entry(nil), e.history...)
	e.finalSummary = FinalSummary{
		Status:     SummaryPending,
		DoctorID:   doc.ID,
		DoctorName: doc.Name,
		UsedPrompt: usedPrompt,
	}
	e.mu.Unlock()
	e.emitSummary()

	prompt := buildSummaryPrompt(usedPrompt, patient, history)
	providerHistory := formatHistoryForProvider(history, patient, "")
	response, err := e.gateway.Send(ctx, doc.ProviderConfig(), prompt, providerHistory)

	e.mu.Lock()
	if err != nil {
		e.log.Warn().Err(err).Str("doctor", doc.Name).Msg("summary generation failed")
		e.finalSummary.Status = SummaryError
		e.finalSummary.Content = fmt.Sprintf("生成总结失败：%v", err)
	} else {
		e.finalSummary.Status = SummaryReady
		e.finalSummary.Content = response
	}
	e.mu.Unlock()
	e.emitSummary()
}

// Snapshot returns a deep copy of the full consultation state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	doctors := make([]Doctor, len(e.doctors))
	for i, d := range e.doctors {
		doctors[i] = *d
	}
	return Snapshot{
		Settings:          e.settings,
		Doctors:           doctors,
		PatientCase:       e.patient,
		Workflow:          cloneWorkflow(e.workflow),
		DiscussionHistory: append([]Entry(nil), e.history...),
		LastRoundVotes:    append([]VoteRecord(nil), e.lastRoundVotes...),
		FinalSummary:      e.finalSummary,
	}
}

// LoadSnapshot replaces the engine state with a persisted record. Only call
// it while no consultation is running.
func (e *Engine) LoadSnapshot(snap Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if snap.Settings.GlobalSystemPrompt != "" {
		timing := e.settings
		e.settings = snap.Settings
		e.settings.TypewriterInterval = timing.TypewriterInterval
		e.settings.VoteInterval = timing.VoteInterval
	}
	if len(snap.Doctors) > 0 {
		e.doctors = make([]*Doctor, len(snap.Doctors))
		for i := range snap.Doctors {
			d := snap.Doctors[i]
			e.doctors[i] = &d
		}
	}
	e.patient = snap.PatientCase
	e.workflow = cloneWorkflow(snap.Workflow)
	e.workflow.Paused = false
	e.resumeCh = nil
	e.history = append([]Entry(nil), snap.DiscussionHistory...)
	e.lastRoundVotes = append([]VoteRecord(nil), snap.LastRoundVotes...)
	e.finalSummary = snap.FinalSummary
}

func cloneWorkflow(w Workflow) Workflow {
	w.TurnQueue = append([]string(nil), w.TurnQueue...)
	return w
}

func (e *Engine) doctorByIDLocked(id string) *Doctor {
	for _, d := range e.doctors {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (e *Engine) resetVotes() {
	e.mu.Lock()
	for _, d := range e.doctors {
		d.Votes = 0
	}
	e.mu.Unlock()
	e.emitRoster()
}

func (e *Engine) voteFor(doctorID string) {
	e.mu.Lock()
	if d := e.doctorByIDLocked(doctorID); d != nil {
		d.Votes++
	}
	e.mu.Unlock()
	e.emitRoster()
}

func (e *Engine) setActiveTurn(doctorID string) {
	e.mu.Lock()
	e.workflow.ActiveTurn = doctorID
	e.mu.Unlock()
}

func (e *Engine) setPhase(phase Phase) {
	e.mu.Lock()
	if e.workflow.Phase == phase {
		e.mu.Unlock()
		return
	}
	e.workflow.Phase = phase
	e.mu.Unlock()
	e.emitPhase(phase)
}

func (e *Engine) appendSystem(content string) {
	e.appendEntry(Entry{Kind: EntrySystem, Content: content})
}

func (e *Engine) appendEntry(entry Entry) string {
	entry.ID = uuid.NewString()
	e.mu.Lock()
	e.history = append(e.history, entry)
	e.mu.Unlock()
	e.emit(Event{Type: EventEntryAppended, Entry: &entry})
	return entry.ID
}

func (e *Engine) appendToEntry(entryID, text string) {
	e.mu.Lock()
	var updated *Entry
	for i := range e.history {
		if e.history[i].ID == entryID {
			e.history[i].Content += text
			entry := e.history[i]
			updated = &entry
			break
		}
	}
	e.mu.Unlock()
	if updated != nil {
		e.emit(Event{Type: EventEntryUpdated, Entry: updated})
	}
}

func (e *Engine) removeEntry(entryID string) {
	e.mu.Lock()
	removed := false
	for i := range e.history {
		if e.history[i].ID == entryID {
			e.history = append(e.history[:i], e.history[i+1:]...)
			removed = true
			break
		}
	}
	e.mu.Unlock()
	if removed {
		e.emit(Event{Type: EventEntryRemoved, EntryID: entryID})
	}
}

func (e *Engine) emit(ev Event) {
	if cb := e.OnEvent; cb != nil {
		cb(ev)
	}
}

func (e *Engine) emitPhase(phase Phase) {
	e.mu.Lock()
	round := e.workflow.CurrentRound
	e.mu.Unlock()
	e.emit(Event{Type: EventPhaseChanged, Phase: phase, Round: round})
}

func (e *Engine) emitRoster() {
	e.mu.Lock()
	doctors := make([]Doctor, len(e.doctors))
	for i, d := range e.doctors {
		doctors[i] = *d
	}
	e.mu.Unlock()
	e.emit(Event{Type: EventRosterChanged, Doctors: doctors})
}

func (e *Engine) emitSummary() {
	e.mu.Lock()
	summary := e.finalSummary
	e.mu.Unlock()
	e.emit(Event{Type: EventSummaryChanged, Summary: &summary})
}
