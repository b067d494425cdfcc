package debate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dev.helix.symposium/internal/llm"
	"dev.helix.symposium/internal/progress"
	"dev.helix.symposium/internal/retrieval"
)

// Gating task and subtask names used for debater preparation.
const (
	TaskPrepareArgument   = "prepare-argument"
	SubtaskGatherEvidence = "gather_evidence"
	SubtaskDraftArgument  = "draft_argument"
)

// ServiceConfig tunes session orchestration.
type ServiceConfig struct {
	ResponseTimeout  time.Duration
	InteractiveTurns int
	TranscriptWindow int
	// Evidence controls the fusion call made during preparation.
	Evidence retrieval.FuseConfig
}

// DefaultServiceConfig returns defaults matching a small debate.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ResponseTimeout:  60 * time.Second,
		InteractiveTurns: 4,
		TranscriptWindow: 6,
		Evidence:         retrieval.DefaultFuseConfig(),
	}
}

// CreateSessionRequest describes a new debate.
type CreateSessionRequest struct {
	Topic        string               `json:"topic"`
	Participants []ParticipantRequest `json:"participants"`
	// Seed, when set, makes interactive speaker selection
	// deterministic.
	Seed *int64 `json:"seed,omitempty"`
}

// ParticipantRequest describes one roster entry.
type ParticipantRequest struct {
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	Stance string `json:"stance,omitempty"`
}

// SessionInfo is the externally visible session state.
type SessionInfo struct {
	ID           string         `json:"id"`
	Topic        string         `json:"topic"`
	Stage        Stage          `json:"stage"`
	TurnCount    int            `json:"turn_count"`
	Participants []*Participant `json:"participants"`
	// BlockedOnFailure lists participants whose preparation failed
	// and who need force-completion before they can speak.
	BlockedOnFailure []string  `json:"blocked_on_failure,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type sessionState struct {
	session *Session
	machine *Machine
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Service owns session lifecycle: roster validation, bus attachment,
// preparation scheduling and teardown.
type Service struct {
	mu       sync.Mutex
	sessions map[string]*sessionState

	registry  *progress.Registry
	fusion    *retrieval.Engine
	completer llm.Completer
	cfg       ServiceConfig
	logger    *logrus.Logger
}

// NewService creates the debate service. The fusion engine may be nil
// when no evidence grounding is configured.
func NewService(registry *progress.Registry, fusion *retrieval.Engine, completer llm.Completer, cfg ServiceConfig, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		sessions:  make(map[string]*sessionState),
		registry:  registry,
		fusion:    fusion,
		completer: completer,
		cfg:       cfg,
		logger:    logger,
	}
}

// CreateSession validates the roster, attaches a progress bus and
// launches each debater's preparation work. The session id is
// returned immediately; preparation completes asynchronously and
// gates speaker selection until it resolves.
func (s *Service) CreateSession(req CreateSessionRequest) (string, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return "", fmt.Errorf("%w: empty topic", ErrInvalidRoster)
	}

	participants := make([]*Participant, 0, len(req.Participants))
	for _, pr := range req.Participants {
		p := &Participant{
			ID:     uuid.New().String(),
			Name:   pr.Name,
			Role:   pr.Role,
			Stance: pr.Stance,
		}
		if p.Role == RolePro || p.Role == RoleCon {
			p.Analysis = NewAnalysisTracker(TaskPrepareArgument)
		}
		participants = append(participants, p)
	}

	sessionID := uuid.New().String()
	session, err := NewSession(sessionID, req.Topic, participants)
	if err != nil {
		return "", err
	}

	bus := s.registry.Attach(sessionID)

	opts := []MachineOption{
		WithResponseTimeout(s.cfg.ResponseTimeout),
		WithInteractiveTurns(s.cfg.InteractiveTurns),
		WithTranscriptWindow(s.cfg.TranscriptWindow),
	}
	if req.Seed != nil {
		opts = append(opts, WithSeed(*req.Seed))
	}
	machine := NewMachine(session, bus, s.completer, s.logger, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	state := &sessionState{session: session, machine: machine, cancel: cancel}

	s.mu.Lock()
	s.sessions[sessionID] = state
	s.mu.Unlock()

	bus.Emit(progress.EventSessionStarted, map[string]interface{}{
		"topic":        req.Topic,
		"participants": len(participants),
	})

	for _, p := range participants {
		if p.Analysis == nil {
			continue
		}
		state.wg.Add(1)
		go s.prepareParticipant(ctx, state, bus, p)
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"topic":      req.Topic,
	}).Info("Debate session created")

	return sessionID, nil
}

// prepareParticipant runs one debater's gating work: evidence
// gathering through the fusion engine, then argument drafting through
// the completion capability. Failure marks the gating task failed and
// leaves the machine waiting; it never aborts the session.
func (s *Service) prepareParticipant(ctx context.Context, state *sessionState, bus *progress.Bus, p *Participant) {
	defer state.wg.Done()

	tracker := progress.NewTracker(bus, TaskPrepareArgument, p.ID)
	tracker.Start([]string{SubtaskGatherEvidence, SubtaskDraftArgument})

	fail := func(err error, details string) {
		p.Analysis.MarkFailed(TaskPrepareArgument)
		if trackerErr := tracker.Fail(err, details); trackerErr != nil {
			s.logger.WithError(trackerErr).Debug("Tracker already terminal")
		}
	}

	if err := ctx.Err(); err != nil {
		fail(err, "cancelled")
		return
	}

	// Evidence grounding.
	tracker.UpdateSubtask(SubtaskGatherEvidence, progress.SubtaskRunning, "querying retrieval sources")
	evidence := ""
	if s.fusion != nil {
		query := state.session.Topic
		if p.Stance != "" {
			query = query + " " + p.Stance
		}
		results, err := s.fusion.Fuse(ctx, query, s.cfg.Evidence)
		if err != nil {
			if ctx.Err() != nil {
				fail(ctx.Err(), "cancelled")
				return
			}
			// Degraded evidence is allowed; speaking without any is
			// still a resolvable state.
			s.logger.WithError(err).WithField("speaker", p.ID).Warn("Evidence retrieval failed, drafting without grounding")
			tracker.UpdateSubtask(SubtaskGatherEvidence, progress.SubtaskFailed, err.Error())
		} else {
			var parts []string
			for _, r := range results {
				parts = append(parts, r.Text)
			}
			evidence = strings.Join(parts, "\n---\n")
			tracker.UpdateSubtask(SubtaskGatherEvidence, progress.SubtaskCompleted, fmt.Sprintf("%d passages", len(results)))
		}
	} else {
		tracker.UpdateSubtask(SubtaskGatherEvidence, progress.SubtaskCompleted, "no retrieval configured")
	}

	if err := ctx.Err(); err != nil {
		fail(err, "cancelled")
		return
	}

	// Argument drafting.
	tracker.UpdateSubtask(SubtaskDraftArgument, progress.SubtaskRunning, "drafting opening argument")
	system := buildSystemPrompt(state.session.Topic, p)
	user := "Draft your core argument outline for this debate."
	if evidence != "" {
		user += "\nGround it in this evidence:\n" + evidence
	}

	draft, err := s.completer.Complete(ctx, system, user, llm.DefaultOptions())
	if err != nil {
		if ctx.Err() != nil {
			fail(ctx.Err(), "cancelled")
			return
		}
		fail(err, "argument drafting failed")
		return
	}
	tracker.UpdateSubtask(SubtaskDraftArgument, progress.SubtaskCompleted, "")

	if err := tracker.Complete(map[string]interface{}{"draft_chars": len(draft)}); err != nil {
		s.logger.WithError(err).Debug("Tracker already terminal")
		return
	}
	p.Analysis.MarkDone(TaskPrepareArgument)
}

// CloseSession cancels in-flight preparation and detaches the bus.
// In-flight trackers are failed with a cancelled reason before the
// bus goes away; already-emitted history dies with the bus, which is
// the registry's documented teardown.
func (s *Service) CloseSession(sessionID string) error {
	s.mu.Lock()
	state, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}

	state.cancel()
	state.wg.Wait()
	s.registry.Detach(sessionID)

	s.logger.WithField("session_id", sessionID).Info("Debate session closed")
	return nil
}

// get looks up a live session.
func (s *Service) get(sessionID string) (*sessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	return state, nil
}

// Progress returns the session's live progress snapshot.
func (s *Service) Progress(sessionID string) (progress.Snapshot, error) {
	if _, err := s.get(sessionID); err != nil {
		return progress.Snapshot{}, err
	}
	bus, ok := s.registry.Get(sessionID)
	if !ok {
		return progress.Snapshot{}, fmt.Errorf("%w: bus detached for %q", ErrSessionNotFound, sessionID)
	}
	return bus.Snapshot(), nil
}

// NextSpeaker reports the session's speaker decision.
func (s *Service) NextSpeaker(sessionID string) (SpeakerDecision, error) {
	state, err := s.get(sessionID)
	if err != nil {
		return SpeakerDecision{}, err
	}
	return state.machine.NextSpeaker(), nil
}

// GenerateResponse produces the next debate turn.
func (s *Service) GenerateResponse(ctx context.Context, sessionID string) (*Response, error) {
	state, err := s.get(sessionID)
	if err != nil {
		return nil, err
	}
	return state.machine.GenerateResponse(ctx), nil
}

// ForceAnalysisCompletion unblocks a stalled speaker.
func (s *Service) ForceAnalysisCompletion(sessionID, speakerID string) error {
	state, err := s.get(sessionID)
	if err != nil {
		return err
	}
	return state.machine.ForceAnalysisCompletion(speakerID)
}

// Info returns the externally visible session state.
func (s *Service) Info(sessionID string) (*SessionInfo, error) {
	state, err := s.get(sessionID)
	if err != nil {
		return nil, err
	}

	state.session.mu.Lock()
	defer state.session.mu.Unlock()

	info := &SessionInfo{
		ID:           state.session.ID,
		Topic:        state.session.Topic,
		Stage:        state.session.Stage,
		TurnCount:    state.session.TurnCount,
		Participants: state.session.Participants,
		CreatedAt:    state.session.CreatedAt,
	}
	for _, p := range state.session.Participants {
		if p.Analysis != nil && p.Analysis.HasFailed() {
			info.BlockedOnFailure = append(info.BlockedOnFailure, p.ID)
		}
	}
	return info, nil
}

// Transcript returns a copy of the session transcript.
func (s *Service) Transcript(sessionID string) ([]Turn, error) {
	state, err := s.get(sessionID)
	if err != nil {
		return nil, err
	}

	state.session.mu.Lock()
	defer state.session.mu.Unlock()
	out := make([]Turn, len(state.session.Transcript))
	copy(out, state.session.Transcript)
	return out, nil
}
