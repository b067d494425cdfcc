package debate

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"dev.helix.symposium/internal/llm"
	"dev.helix.symposium/internal/progress"
)

// SpeakerStatus reports whether a speaker can take the floor.
type SpeakerStatus string

const (
	// SpeakerReady means the named speaker's gating tasks are resolved.
	SpeakerReady SpeakerStatus = "ready"
	// SpeakerWaiting means a gating task is still outstanding.
	SpeakerWaiting SpeakerStatus = "waiting"
	// SpeakerError means the stage has no eligible participant; this
	// is a configuration error, not a transient state.
	SpeakerError SpeakerStatus = "error"
)

// SpeakerDecision is the outcome of speaker selection.
type SpeakerDecision struct {
	Status    SpeakerStatus `json:"status"`
	SpeakerID string        `json:"speaker_id,omitempty"`
	// Blocking names the participant whose tasks hold up the stage
	// when Status is waiting.
	Blocking string `json:"blocking,omitempty"`
}

// ResponseStatus classifies a generation attempt.
type ResponseStatus string

const (
	ResponseSuccess   ResponseStatus = "success"
	ResponsePaused    ResponseStatus = "paused"
	ResponseCompleted ResponseStatus = "completed"
	ResponseError     ResponseStatus = "error"
)

// Response is the outcome of one generation attempt.
type Response struct {
	Status    ResponseStatus `json:"status"`
	SpeakerID string         `json:"speaker_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Stage     Stage          `json:"current_stage"`
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithSeed makes interactive speaker selection deterministic, for
// tests and replayable runs.
func WithSeed(seed int64) MachineOption {
	return func(m *Machine) {
		m.rng = rand.New(rand.NewSource(seed))
	}
}

// WithResponseTimeout bounds each text-completion call.
func WithResponseTimeout(timeout time.Duration) MachineOption {
	return func(m *Machine) {
		m.responseTimeout = timeout
	}
}

// WithInteractiveTurns sets how many turns the interactive stage runs.
func WithInteractiveTurns(turns int) MachineOption {
	return func(m *Machine) {
		if turns > 0 {
			m.interactiveTurns = turns
		}
	}
}

// WithTranscriptWindow sets how many recent turns feed each prompt.
func WithTranscriptWindow(n int) MachineOption {
	return func(m *Machine) {
		if n > 0 {
			m.transcriptWindow = n
		}
	}
}

// Machine drives one session through the debate protocol. It is the
// session's single writer: every public method serializes on the
// session mutex, so no two callers can advance the same session
// concurrently.
type Machine struct {
	session   *Session
	bus       *progress.Bus
	completer llm.Completer
	logger    *logrus.Logger

	rng              *rand.Rand
	responseTimeout  time.Duration
	interactiveTurns int
	transcriptWindow int

	// interactiveTaken counts turns spent in the interactive stage.
	interactiveTaken int
}

// NewMachine creates a state machine for one session. Without an
// explicit seed the interactive tie-break draws from a CSPRNG-seeded
// source.
func NewMachine(session *Session, bus *progress.Bus, completer llm.Completer, logger *logrus.Logger, opts ...MachineOption) *Machine {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Machine{
		session:          session,
		bus:              bus,
		completer:        completer,
		logger:           logger,
		rng:              rand.New(rand.NewSource(secureSeed())),
		responseTimeout:  60 * time.Second,
		interactiveTurns: 4,
		transcriptWindow: 6,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// secureSeed derives a PRNG seed from the system CSPRNG.
func secureSeed() int64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.LittleEndian.Uint64(buf[:]))
}

// NextSpeaker reports who may speak in the current stage. It never
// returns ready for a participant with an unresolved gating task: a
// failed preparation leaves the stage waiting until an operator
// force-completes the speaker.
func (m *Machine) NextSpeaker() SpeakerDecision {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	return m.nextSpeakerLocked()
}

func (m *Machine) nextSpeakerLocked() SpeakerDecision {
	stage := m.session.Stage
	if stage.Terminal() {
		return SpeakerDecision{Status: SpeakerError}
	}

	roles, ok := stageRoles[stage]
	if !ok {
		return SpeakerDecision{Status: SpeakerError}
	}

	var candidates []*Participant
	for _, role := range roles {
		candidates = append(candidates, m.session.byRole(role)...)
	}
	if len(candidates) == 0 {
		return SpeakerDecision{Status: SpeakerError}
	}

	var eligible []*Participant
	for _, candidate := range candidates {
		if candidate.Analysis == nil || candidate.Analysis.Resolved() {
			eligible = append(eligible, candidate)
			continue
		}
	}
	if len(eligible) == 0 {
		// Every candidate is blocked; report the first as blocking.
		return SpeakerDecision{
			Status:    SpeakerWaiting,
			SpeakerID: candidates[0].ID,
			Blocking:  candidates[0].ID,
		}
	}

	chosen := eligible[0]
	if len(eligible) > 1 {
		chosen = eligible[m.rng.Intn(len(eligible))]
	}
	return SpeakerDecision{Status: SpeakerReady, SpeakerID: chosen.ID}
}

// GenerateResponse produces the next turn: it selects the speaker,
// invokes the text-completion capability with a stage prompt, appends
// the turn and advances the stage at its boundary. A completion
// timeout or failure pauses the stage rather than failing the session.
func (m *Machine) GenerateResponse(ctx context.Context) *Response {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()

	stage := m.session.Stage
	if stage.Terminal() {
		return &Response{Status: ResponseCompleted, Stage: stage}
	}

	decision := m.nextSpeakerLocked()
	switch decision.Status {
	case SpeakerError:
		return &Response{Status: ResponseError, Stage: stage}
	case SpeakerWaiting:
		return &Response{Status: ResponsePaused, SpeakerID: decision.Blocking, Stage: stage}
	}

	speaker := m.session.participant(decision.SpeakerID)

	callCtx := ctx
	if m.responseTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, m.responseTimeout)
		defer cancel()
	}

	system := buildSystemPrompt(m.session.Topic, speaker)
	user := buildUserPrompt(stage, m.session.recentTranscript(m.transcriptWindow))

	message, err := m.completer.Complete(callCtx, system, user, llm.DefaultOptions())
	if err != nil {
		// A timed-out or failed completion is a task failure, not a
		// crash: the stage stays where it is.
		m.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": m.session.ID,
			"stage":      stage,
			"speaker":    speaker.ID,
		}).Warn("Completion failed, stage paused")
		if m.bus != nil {
			m.bus.Emit(progress.EventTurnFailed, map[string]interface{}{
				"speaker": speaker.ID,
				"stage":   string(stage),
				"error":   err.Error(),
			})
		}
		return &Response{Status: ResponseError, SpeakerID: speaker.ID, Stage: stage}
	}

	m.session.Transcript = append(m.session.Transcript, Turn{
		SpeakerID: speaker.ID,
		Role:      speaker.Role,
		Stage:     stage,
		Content:   message,
		At:        time.Now(),
	})
	m.session.TurnCount++

	if m.bus != nil {
		m.bus.Emit(progress.EventTurnGenerated, map[string]interface{}{
			"speaker": speaker.ID,
			"stage":   string(stage),
			"turn":    m.session.TurnCount,
		})
	}

	m.advanceLocked(stage)

	status := ResponseSuccess
	if m.session.Stage.Terminal() {
		status = ResponseCompleted
	}
	return &Response{
		Status:    status,
		SpeakerID: speaker.ID,
		Message:   message,
		Stage:     m.session.Stage,
	}
}

// advanceLocked moves past a stage once its turn budget is spent.
// Every stage takes one turn except the interactive exchange.
func (m *Machine) advanceLocked(stage Stage) {
	if stage == StageInteractiveArgument {
		m.interactiveTaken++
		if m.interactiveTaken < m.interactiveTurns {
			return
		}
	}

	next, ok := stage.Next()
	if !ok {
		return
	}
	m.session.Stage = next

	m.logger.WithFields(logrus.Fields{
		"session_id": m.session.ID,
		"from":       stage,
		"to":         next,
	}).Info("Debate stage advanced")

	if m.bus != nil {
		eventType := progress.EventSessionStage
		if next == StageCompleted {
			eventType = progress.EventSessionCompleted
		}
		m.bus.Emit(eventType, map[string]interface{}{
			"from": string(stage),
			"to":   string(next),
		})
	}
}

// Fail moves the session to the terminal failed stage.
func (m *Machine) Fail(reason string) {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()

	if m.session.Stage.Terminal() {
		return
	}
	from := m.session.Stage
	m.session.Stage = StageFailed

	m.logger.WithFields(logrus.Fields{
		"session_id": m.session.ID,
		"from":       from,
		"reason":     reason,
	}).Error("Debate session failed")

	if m.bus != nil {
		m.bus.Emit(progress.EventSessionFailed, map[string]interface{}{
			"from":   string(from),
			"reason": reason,
		})
	}
}

// ForceAnalysisCompletion marks every outstanding gating task for a
// speaker as force-completed. It is the explicit escalation hatch for
// stalled preparation; the override is always logged and emitted.
func (m *Machine) ForceAnalysisCompletion(speakerID string) error {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()

	speaker := m.session.participant(speakerID)
	if speaker == nil {
		return fmt.Errorf("%w: %q", ErrUnknownParticipant, speakerID)
	}
	if speaker.Analysis == nil {
		return nil
	}

	forced := speaker.Analysis.ForceAll()
	if len(forced) == 0 {
		return nil
	}

	m.logger.WithFields(logrus.Fields{
		"session_id": m.session.ID,
		"speaker":    speakerID,
		"tasks":      forced,
	}).Warn("Gating tasks force-completed by operator")

	if m.bus != nil {
		m.bus.Emit(progress.EventSpeakerForced, map[string]interface{}{
			"speaker": speakerID,
			"tasks":   forced,
		})
	}
	return nil
}

// Stage returns the session's current stage.
func (m *Machine) Stage() Stage {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	return m.session.Stage
}

// Session returns the underlying session.
func (m *Machine) Session() *Session {
	return m.session
}
