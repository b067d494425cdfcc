package debate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"dev.helix.symposium/internal/llm"
	"dev.helix.symposium/internal/progress"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type scriptedCompleter struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (s *scriptedCompleter) Complete(ctx context.Context, system, user string, opts llm.Options) (string, error) {
	s.mu.Lock()
	s.calls++
	calls := s.calls
	s.mu.Unlock()

	if s.err != nil {
		return "", s.err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (turn %d)", s.reply, calls), nil
}

func roster(gated bool) []*Participant {
	pro := &Participant{ID: "pro-1", Name: "Aristotle", Role: RolePro, Stance: "for"}
	con := &Participant{ID: "con-1", Name: "Hume", Role: RoleCon, Stance: "against"}
	if gated {
		pro.Analysis = NewAnalysisTracker(TaskPrepareArgument)
		con.Analysis = NewAnalysisTracker(TaskPrepareArgument)
	}
	mod := &Participant{ID: "mod-1", Name: "Chair", Role: RoleModerator}
	return []*Participant{pro, con, mod}
}

func newTestMachine(t *testing.T, gated bool, completer llm.Completer, opts ...MachineOption) *Machine {
	t.Helper()
	session, err := NewSession("session-1", "does free will exist", roster(gated))
	require.NoError(t, err)
	bus := progress.NewBus("session-1", newTestLogger())
	return NewMachine(session, bus, completer, newTestLogger(), opts...)
}

func TestStageProgressionIsForwardOnly(t *testing.T) {
	stage := StageOpening
	seen := map[Stage]bool{stage: true}
	for {
		next, ok := stage.Next()
		if !ok {
			break
		}
		assert.False(t, seen[next], "stage %s revisited", next)
		seen[next] = true
		stage = next
	}
	assert.Equal(t, StageCompleted, stage)
	assert.True(t, StageCompleted.Terminal())
	assert.True(t, StageFailed.Terminal())
	_, ok := StageCompleted.Next()
	assert.False(t, ok)
}

func TestSessionRequiresFullRoster(t *testing.T) {
	_, err := NewSession("s", "topic", nil)
	assert.ErrorIs(t, err, ErrInvalidRoster)

	_, err = NewSession("s", "topic", []*Participant{
		{ID: "pro-1", Role: RolePro},
		{ID: "mod-1", Role: RoleModerator},
	})
	assert.ErrorIs(t, err, ErrInvalidRoster)

	_, err = NewSession("s", "topic", []*Participant{
		{ID: "x", Role: RolePro}, {ID: "x", Role: RoleCon}, {ID: "m", Role: RoleModerator},
	})
	assert.ErrorIs(t, err, ErrInvalidRoster)
}

func TestNextSpeakerModeratorIsAlwaysReady(t *testing.T) {
	machine := newTestMachine(t, true, &scriptedCompleter{reply: "spoken"})

	decision := machine.NextSpeaker()
	assert.Equal(t, SpeakerReady, decision.Status)
	assert.Equal(t, "mod-1", decision.SpeakerID)
}

func TestNextSpeakerWaitsOnGatingTasks(t *testing.T) {
	machine := newTestMachine(t, true, &scriptedCompleter{reply: "spoken"})

	// Move past the opening so the pro debater is up.
	resp := machine.GenerateResponse(context.Background())
	require.Equal(t, ResponseSuccess, resp.Status)
	require.Equal(t, StageProArgument, machine.Stage())

	decision := machine.NextSpeaker()
	assert.Equal(t, SpeakerWaiting, decision.Status)
	assert.Equal(t, "pro-1", decision.Blocking)
}

func TestNextSpeakerNeverReadyWithFailedUnforcedTask(t *testing.T) {
	machine := newTestMachine(t, true, &scriptedCompleter{reply: "spoken"})
	machine.GenerateResponse(context.Background())

	pro := machine.Session().participant("pro-1")
	pro.Analysis.MarkFailed(TaskPrepareArgument)

	decision := machine.NextSpeaker()
	assert.Equal(t, SpeakerWaiting, decision.Status)

	require.NoError(t, machine.ForceAnalysisCompletion("pro-1"))
	decision = machine.NextSpeaker()
	assert.Equal(t, SpeakerReady, decision.Status)
	assert.Equal(t, "pro-1", decision.SpeakerID)
}

func TestWaitingScenarioUntilBothForced(t *testing.T) {
	// Two gated participants whose preparation never finishes: the
	// machine reports waiting indefinitely until both are forced.
	machine := newTestMachine(t, true, &scriptedCompleter{reply: "spoken"})
	machine.GenerateResponse(context.Background())

	for i := 0; i < 5; i++ {
		assert.Equal(t, SpeakerWaiting, machine.NextSpeaker().Status)
	}

	require.NoError(t, machine.ForceAnalysisCompletion("pro-1"))
	require.NoError(t, machine.ForceAnalysisCompletion("con-1"))

	decision := machine.NextSpeaker()
	assert.Equal(t, SpeakerReady, decision.Status)
	assert.Equal(t, "pro-1", decision.SpeakerID)
}

func TestForceAnalysisCompletionUnknownSpeaker(t *testing.T) {
	machine := newTestMachine(t, true, &scriptedCompleter{reply: "spoken"})
	assert.ErrorIs(t, machine.ForceAnalysisCompletion("nobody"), ErrUnknownParticipant)
}

func TestForceAnalysisCompletionEmitsEvent(t *testing.T) {
	session, err := NewSession("session-1", "topic", roster(true))
	require.NoError(t, err)
	bus := progress.NewBus("session-1", newTestLogger())
	machine := NewMachine(session, bus, &scriptedCompleter{}, newTestLogger())

	require.NoError(t, machine.ForceAnalysisCompletion("pro-1"))

	history := bus.History()
	require.Len(t, history, 1)
	assert.Equal(t, progress.EventSpeakerForced, history[0].Type)
	assert.Equal(t, "pro-1", history[0].Payload["speaker"])

	// A second force with nothing outstanding emits nothing more.
	require.NoError(t, machine.ForceAnalysisCompletion("pro-1"))
	assert.Len(t, bus.History(), 1)
}

func TestGenerateResponseRunsWholeDebate(t *testing.T) {
	completer := &scriptedCompleter{reply: "spoken"}
	machine := newTestMachine(t, false, completer, WithInteractiveTurns(2))

	var stages []Stage
	for i := 0; i < 20; i++ {
		resp := machine.GenerateResponse(context.Background())
		if resp.Status == ResponseCompleted && resp.Message == "" {
			break
		}
		require.Contains(t, []ResponseStatus{ResponseSuccess, ResponseCompleted}, resp.Status)
		stages = append(stages, resp.Stage)
		if resp.Status == ResponseCompleted {
			break
		}
	}

	assert.Equal(t, StageCompleted, machine.Stage())
	// Nine protocol stages, with the interactive stage taking two turns.
	assert.Equal(t, 10, machine.Session().TurnCount)
}

func TestGenerateResponsePausesWhileGated(t *testing.T) {
	machine := newTestMachine(t, true, &scriptedCompleter{reply: "spoken"})
	machine.GenerateResponse(context.Background())

	resp := machine.GenerateResponse(context.Background())
	assert.Equal(t, ResponsePaused, resp.Status)
	assert.Equal(t, StageProArgument, resp.Stage)
	// Paused generation consumes no completion call beyond the opening.
	assert.Equal(t, StageProArgument, machine.Stage())
}

func TestGenerateResponseCompletionFailureLeavesStage(t *testing.T) {
	completer := &scriptedCompleter{err: errors.New("provider timeout")}
	machine := newTestMachine(t, false, completer)

	resp := machine.GenerateResponse(context.Background())
	assert.Equal(t, ResponseError, resp.Status)
	// The failure pauses the stage; the session is not failed.
	assert.Equal(t, StageOpening, machine.Stage())
}

func TestTurnFailureDoesNotMoveTaskProgress(t *testing.T) {
	session, err := NewSession("session-1", "does free will exist", roster(false))
	require.NoError(t, err)
	bus := progress.NewBus("session-1", newTestLogger())
	completer := &scriptedCompleter{err: errors.New("provider timeout")}
	machine := NewMachine(session, bus, completer, newTestLogger())

	// One preparation task is still in flight on the same bus.
	tracker := progress.NewTracker(bus, TaskPrepareArgument, "pro-1")
	tracker.Start([]string{SubtaskDraftArgument})
	require.Equal(t, 0.0, bus.Snapshot().Percentage)

	resp := machine.GenerateResponse(context.Background())
	assert.Equal(t, ResponseError, resp.Status)

	// A failed turn is a turn event, never a task failure: the task
	// counters and percentage stay where the tracker left them.
	snap := bus.Snapshot()
	assert.Equal(t, 0.0, snap.Percentage)
	assert.Equal(t, 1, snap.TotalTasks)
	assert.Zero(t, snap.FailedTasks)

	var turnFailed bool
	for _, e := range bus.History() {
		assert.NotEqual(t, progress.EventTaskFailed, e.Type)
		if e.Type == progress.EventTurnFailed {
			turnFailed = true
		}
	}
	assert.True(t, turnFailed)
}

func TestGenerateResponseAfterTerminal(t *testing.T) {
	machine := newTestMachine(t, false, &scriptedCompleter{reply: "spoken"})
	machine.Fail("operator abort")

	resp := machine.GenerateResponse(context.Background())
	assert.Equal(t, ResponseCompleted, resp.Status)
	assert.Equal(t, StageFailed, resp.Stage)
}

func TestInteractiveSelectionDeterministicUnderSeed(t *testing.T) {
	pick := func(seed int64) []string {
		completer := &scriptedCompleter{reply: "spoken"}
		machine := newTestMachine(t, false, completer, WithSeed(seed), WithInteractiveTurns(4))

		// Advance to the interactive stage.
		for machine.Stage() != StageInteractiveArgument {
			require.Equal(t, ResponseSuccess, machine.GenerateResponse(context.Background()).Status)
		}

		var speakers []string
		for machine.Stage() == StageInteractiveArgument {
			resp := machine.GenerateResponse(context.Background())
			require.Equal(t, ResponseSuccess, resp.Status)
			speakers = append(speakers, resp.SpeakerID)
		}
		return speakers
	}

	first := pick(42)
	second := pick(42)
	assert.Equal(t, first, second)
	require.Len(t, first, 4)
	for _, speaker := range first {
		assert.Contains(t, []string{"pro-1", "con-1"}, speaker)
	}
}

func TestNextSpeakerErrorOnImpossibleStage(t *testing.T) {
	// A machine whose session lost its moderator mid-flight has no
	// eligible speaker for moderator stages.
	session, err := NewSession("s", "topic", roster(false))
	require.NoError(t, err)
	session.Participants = session.Participants[:2] // drop the moderator
	machine := NewMachine(session, nil, &scriptedCompleter{}, newTestLogger())

	decision := machine.NextSpeaker()
	assert.Equal(t, SpeakerError, decision.Status)

	resp := machine.GenerateResponse(context.Background())
	assert.Equal(t, ResponseError, resp.Status)
}

func TestFailIsTerminalAndIdempotent(t *testing.T) {
	session, err := NewSession("s", "topic", roster(false))
	require.NoError(t, err)
	bus := progress.NewBus("s", newTestLogger())
	machine := NewMachine(session, bus, &scriptedCompleter{}, newTestLogger())

	machine.Fail("first")
	machine.Fail("second")

	assert.Equal(t, StageFailed, machine.Stage())
	var failures int
	for _, e := range bus.History() {
		if e.Type == progress.EventSessionFailed {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}
