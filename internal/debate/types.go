// Package debate implements the turn-taking orchestration engine: a
// fixed-protocol stage machine that gates speaker selection on each
// participant's asynchronous preparation work and streams progress
// through a session event bus.
package debate

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Taxonomy errors for the orchestration engine.
var (
	// ErrInvalidRoster marks a configuration the machine cannot run
	// with; fatal, never retried.
	ErrInvalidRoster = errors.New("invalid participant roster")
	// ErrNoEligibleSpeaker is returned when the current stage has no
	// participant of the required role.
	ErrNoEligibleSpeaker = errors.New("no eligible speaker for stage")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUnknownParticipant is returned for unknown speaker ids.
	ErrUnknownParticipant = errors.New("unknown participant")
)

// Role is a participant's position in the debate.
type Role string

const (
	RolePro       Role = "pro"
	RoleCon       Role = "con"
	RoleModerator Role = "moderator"
)

// Stage is one named phase of the debate's fixed linear protocol.
type Stage string

const (
	StageOpening             Stage = "opening"
	StageProArgument         Stage = "pro_argument"
	StageConArgument         Stage = "con_argument"
	StageSummaryOne          Stage = "summary_1"
	StageInteractiveArgument Stage = "interactive_argument"
	StageSummaryTwo          Stage = "summary_2"
	StageProConclusion       Stage = "pro_conclusion"
	StageConConclusion       Stage = "con_conclusion"
	StageClosing             Stage = "closing"
	StageCompleted           Stage = "completed"
	StageFailed              Stage = "failed"
)

// stageOrder is the protocol's forward-only progression. StageFailed
// sits outside the order; it is reachable from anywhere and terminal.
var stageOrder = []Stage{
	StageOpening,
	StageProArgument,
	StageConArgument,
	StageSummaryOne,
	StageInteractiveArgument,
	StageSummaryTwo,
	StageProConclusion,
	StageConConclusion,
	StageClosing,
	StageCompleted,
}

// Next returns the stage after s, or false when s is terminal or
// unknown.
func (s Stage) Next() (Stage, bool) {
	for i, stage := range stageOrder {
		if stage == s && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return s, false
}

// Terminal reports whether the debate can never leave this stage.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// stageRoles maps each speaking stage to the roles allowed to speak
// in it. Interactive argument admits both debaters; the selection
// tie-break lives in the machine.
var stageRoles = map[Stage][]Role{
	StageOpening:             {RoleModerator},
	StageProArgument:         {RolePro},
	StageConArgument:         {RoleCon},
	StageSummaryOne:          {RoleModerator},
	StageInteractiveArgument: {RolePro, RoleCon},
	StageSummaryTwo:          {RoleModerator},
	StageProConclusion:       {RolePro},
	StageConConclusion:       {RoleCon},
	StageClosing:             {RoleModerator},
}

// AnalysisTracker is a participant's gating state: a mapping from
// preparation task name to done flag, with an explicit force override
// recorded separately so an escalation is always distinguishable from
// genuine completion.
type AnalysisTracker struct {
	mu     sync.Mutex
	done   map[string]bool
	forced map[string]bool
	failed map[string]bool
}

// NewAnalysisTracker declares the named gating tasks, all unresolved.
func NewAnalysisTracker(tasks ...string) *AnalysisTracker {
	t := &AnalysisTracker{
		done:   make(map[string]bool, len(tasks)),
		forced: make(map[string]bool),
		failed: make(map[string]bool),
	}
	for _, task := range tasks {
		t.done[task] = false
	}
	return t
}

// MarkDone records genuine completion of one task.
func (t *AnalysisTracker) MarkDone(task string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done[task] = true
}

// MarkFailed records that one task failed. A failed task stays
// unresolved until force-completed.
func (t *AnalysisTracker) MarkFailed(task string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed[task] = true
}

// ForceAll marks every outstanding task force-completed.
func (t *AnalysisTracker) ForceAll() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var forced []string
	for task, done := range t.done {
		if !done && !t.forced[task] {
			t.forced[task] = true
			forced = append(forced, task)
		}
	}
	return forced
}

// Resolved reports whether every task is done or force-completed.
func (t *AnalysisTracker) Resolved() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for task, done := range t.done {
		if !done && !t.forced[task] {
			return false
		}
	}
	return true
}

// Outstanding lists tasks neither done nor forced.
func (t *AnalysisTracker) Outstanding() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for task, done := range t.done {
		if !done && !t.forced[task] {
			out = append(out, task)
		}
	}
	return out
}

// HasFailed reports whether any task failed without being forced.
func (t *AnalysisTracker) HasFailed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for task := range t.failed {
		if !t.forced[task] && !t.done[task] {
			return true
		}
	}
	return false
}

// Participant is one debater or moderator in a session.
type Participant struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Role     Role             `json:"role"`
	Stance   string           `json:"stance,omitempty"`
	Analysis *AnalysisTracker `json:"-"`
}

// Turn is one utterance in the transcript.
type Turn struct {
	SpeakerID string    `json:"speaker_id"`
	Role      Role      `json:"role"`
	Stage     Stage     `json:"stage"`
	Content   string    `json:"content"`
	At        time.Time `json:"at"`
}

// Session is one debate instance. The machine is its single writer:
// stage transitions, speaker selection and transcript appends are all
// serialized under mu.
type Session struct {
	ID           string
	Topic        string
	Participants []*Participant
	Stage        Stage
	TurnCount    int
	Transcript   []Turn
	CreatedAt    time.Time

	mu sync.Mutex
}

// NewSession creates a session at the opening stage.
func NewSession(id, topic string, participants []*Participant) (*Session, error) {
	if err := validateRoster(participants); err != nil {
		return nil, err
	}
	return &Session{
		ID:           id,
		Topic:        topic,
		Participants: participants,
		Stage:        StageOpening,
		CreatedAt:    time.Now(),
	}, nil
}

// validateRoster requires a non-empty roster with at most one
// participant per debater role and at least one moderator, pro and
// con speaker.
func validateRoster(participants []*Participant) error {
	if len(participants) == 0 {
		return fmt.Errorf("%w: empty roster", ErrInvalidRoster)
	}

	counts := make(map[Role]int)
	seen := make(map[string]bool)
	for _, p := range participants {
		if p.ID == "" {
			return fmt.Errorf("%w: participant with empty id", ErrInvalidRoster)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate participant id %q", ErrInvalidRoster, p.ID)
		}
		seen[p.ID] = true

		switch p.Role {
		case RolePro, RoleCon, RoleModerator:
			counts[p.Role]++
		default:
			return fmt.Errorf("%w: unknown role %q", ErrInvalidRoster, p.Role)
		}
	}

	for _, role := range []Role{RolePro, RoleCon, RoleModerator} {
		if counts[role] == 0 {
			return fmt.Errorf("%w: missing %s participant", ErrInvalidRoster, role)
		}
	}
	return nil
}

// participant finds a participant by id.
func (s *Session) participant(id string) *Participant {
	for _, p := range s.Participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// byRole lists participants holding a role, in roster order.
func (s *Session) byRole(role Role) []*Participant {
	var out []*Participant
	for _, p := range s.Participants {
		if p.Role == role {
			out = append(out, p)
		}
	}
	return out
}

// recentTranscript returns up to n most recent turns.
func (s *Session) recentTranscript(n int) []Turn {
	if len(s.Transcript) <= n {
		return s.Transcript
	}
	return s.Transcript[len(s.Transcript)-n:]
}
