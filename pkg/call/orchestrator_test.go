package call_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callkit/pkg/audio"
	"github.com/arzzra/callkit/pkg/breaker"
	"github.com/arzzra/callkit/pkg/call"
	"github.com/arzzra/callkit/pkg/callerr"
	"github.com/arzzra/callkit/pkg/retry"
)

// nopDevice аудио-устройство для тестов оркестратора
type nopDevice struct{}

func (nopDevice) SetCategory(audio.Category, audio.Mode, audio.Options) error { return nil }
func (nopDevice) SetActive(bool) error                                        { return nil }
func (nopDevice) OverrideOutputPort(audio.Port) error                         { return nil }
func (nopDevice) SetPreferredInput(audio.Route) error                         { return nil }
func (nopDevice) AvailableInputs() []audio.Route                              { return nil }
func (nopDevice) CurrentRoute() []audio.Route                                 { return nil }

func fastOrchestratorConfig() call.OrchestratorConfig {
	cfg := call.DefaultOrchestratorConfig()
	cfg.Logger = testLogger()
	cfg.Retry = retry.Config{
		MaxAttempts:        3,
		InitialDelay:       time.Millisecond,
		MaxDelay:           10 * time.Millisecond,
		BackoffMultiplier:  2.0,
		ExponentialBackoff: true,
	}
	return cfg
}

func newOrchestrator(t *testing.T, repo call.Repository, cfg call.OrchestratorConfig) *call.Orchestrator {
	t.Helper()
	orch, err := call.NewOrchestrator(repo, cfg)
	require.NoError(t, err)
	t.Cleanup(orch.Dispose)
	return orch
}

func TestStartCallPublishesConnecting(t *testing.T) {
	repo := call.NewMemoryRepository("alice")
	orch := newOrchestrator(t, repo, fastOrchestratorConfig())

	events, sub := orch.Events()
	defer sub.Cancel()

	session, err := orch.StartCall(context.Background(), "bob", false, &call.Names{Caller: "Alice", Callee: "Bob"})
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.True(t, session.IsCaller)
	assert.Equal(t, "bob", session.CalleeID)

	got := collect(events, 1, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, call.StatusConnecting, got[0].Status)
}

func TestStartCallFailurePublishesFailedAndRethrows(t *testing.T) {
	repo := call.NewMemoryRepository("alice")
	// "room" -> Signaling, невосстановимая: ровно одна попытка
	repoErr := errors.New("room unavailable")
	repo.SetFailure("create", repoErr)

	orch := newOrchestrator(t, repo, fastOrchestratorConfig())
	events, sub := orch.Events()
	defer sub.Cancel()

	_, err := orch.StartCall(context.Background(), "bob", false, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, repoErr, "исходная ошибка доходит до вызывающего без подмены")

	got := collect(events, 2, time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, call.StatusConnecting, got[0].Status)
	assert.Equal(t, call.StatusFailed, got[1].Status)
}

func TestStartCallRetriesRecoverableFailures(t *testing.T) {
	repo := call.NewMemoryRepository("alice")
	// "network" -> восстановимая: повторы до успеха
	repo.SetFailureN("create", errors.New("network request failed"), 2)

	orch := newOrchestrator(t, repo, fastOrchestratorConfig())

	session, err := orch.StartCall(context.Background(), "bob", false, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
}

func TestEndCallIdempotentDespiteRepositoryFailure(t *testing.T) {
	repo := call.NewMemoryRepository("alice")
	orch := newOrchestrator(t, repo, fastOrchestratorConfig())

	events, sub := orch.Events()
	defer sub.Cancel()

	session, err := orch.StartCall(context.Background(), "bob", false, nil)
	require.NoError(t, err)

	// Вызов уже исчез из репозитория
	require.NoError(t, repo.EndCall(context.Background(), session.ID))

	assert.NotPanics(t, func() {
		orch.EndCall(context.Background(), session.ID)
	})

	got := collect(events, 2, time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, call.StatusConnecting, got[0].Status)
	assert.Equal(t, call.StatusEnded, got[1].Status)
}

func TestRejectCallFailureSwallowed(t *testing.T) {
	repo := call.NewMemoryRepository("alice")
	orch := newOrchestrator(t, repo, fastOrchestratorConfig())

	events, sub := orch.Events()
	defer sub.Cancel()

	assert.NotPanics(t, func() {
		orch.RejectCall(context.Background(), "missing")
	})

	got := collect(events, 1, 50*time.Millisecond)
	assert.Empty(t, got, "rejected не публикуется при отказе репозитория")
}

func TestRejectCallPublishesRejected(t *testing.T) {
	callerRepo := call.NewMemoryRepository("alice")
	session, err := callerRepo.CreateCall(context.Background(), call.CreateParams{CalleeID: "bob"})
	require.NoError(t, err)

	orch := newOrchestrator(t, callerRepo, fastOrchestratorConfig())
	events, sub := orch.Events()
	defer sub.Cancel()

	orch.RejectCall(context.Background(), session.ID)

	got := collect(events, 1, time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, call.StatusRejected, got[0].Status)
}

func TestListenToStatusRepublishesRepositoryUpdates(t *testing.T) {
	repo := call.NewMemoryRepository("alice")
	orch := newOrchestrator(t, repo, fastOrchestratorConfig())

	events, sub := orch.Events()
	defer sub.Cancel()

	session, err := orch.StartCall(context.Background(), "bob", false, nil)
	require.NoError(t, err)

	statusSub, err := orch.ListenToStatus(context.Background(), session.ID)
	require.NoError(t, err)
	defer statusSub.Cancel()

	// Вызываемый отвечает
	_, err = repo.AcceptCall(context.Background(), session.ID, false)
	require.NoError(t, err)

	got := collect(events, 2, time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, call.StatusConnecting, got[0].Status)
	assert.Equal(t, call.StatusConnected, got[1].Status)
}

func TestOrchestratorSyncsAudioContext(t *testing.T) {
	repo := call.NewMemoryRepository("alice")
	coordinator := audio.NewCoordinator(nopDevice{}, testLogger())

	cfg := fastOrchestratorConfig()
	cfg.Audio = coordinator
	orch := newOrchestrator(t, repo, cfg)

	session, err := orch.StartCall(context.Background(), "bob", false, nil)
	require.NoError(t, err)

	statusSub, err := orch.ListenToStatus(context.Background(), session.ID)
	require.NoError(t, err)
	defer statusSub.Cancel()

	_, err = repo.AcceptCall(context.Background(), session.ID, false)
	require.NoError(t, err)
	assert.Equal(t, audio.ContextActiveCall, coordinator.Current())

	orch.EndCall(context.Background(), session.ID)
	assert.Equal(t, audio.ContextCallEnding, coordinator.Current())

	// Нативная деактивация завершает возврат в idle
	coordinator.OnNativeDeactivate()
	assert.Equal(t, audio.ContextIdle, coordinator.Current())
}

func TestListenForIncomingCallsMovesAudioToIncoming(t *testing.T) {
	repo := call.NewMemoryRepository("alice")
	coordinator := audio.NewCoordinator(nopDevice{}, testLogger())

	cfg := fastOrchestratorConfig()
	cfg.Audio = coordinator
	orch := newOrchestrator(t, repo, cfg)

	var incoming []call.Session
	sub, err := orch.ListenForIncomingCalls(context.Background(), "bob", func(sessions []call.Session) {
		incoming = sessions
	})
	require.NoError(t, err)
	defer sub.Cancel()

	session, err := repo.CreateCall(context.Background(), call.CreateParams{CalleeID: "bob"})
	require.NoError(t, err)

	require.Len(t, incoming, 1)
	assert.Equal(t, session.ID, incoming[0].ID)
	assert.Equal(t, audio.ContextIncomingCall, coordinator.Current())
}

func TestStartCallWhileBusyReturnsStateError(t *testing.T) {
	repo := call.NewMemoryRepository("alice")
	orch := newOrchestrator(t, repo, fastOrchestratorConfig())

	_, err := orch.StartCall(context.Background(), "bob", false, nil)
	require.NoError(t, err)

	_, err = orch.StartCall(context.Background(), "carol", false, nil)
	require.Error(t, err)

	var ce *callerr.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, callerr.KindState, ce.Kind)
}

func TestStartCallConcurrentlyAdmitsExactlyOne(t *testing.T) {
	repo := call.NewMemoryRepository("alice")
	orch := newOrchestrator(t, repo, fastOrchestratorConfig())

	const racers = 8
	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := orch.StartCall(context.Background(), "bob", false, nil)
			if err == nil {
				successes.Add(1)
				return
			}
			var ce *callerr.CallError
			if assert.ErrorAs(t, err, &ce) {
				assert.Equal(t, callerr.KindState, ce.Kind)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(),
		"одновременные StartCall пропускают ровно один вызов")
}

func TestDisposeDropsLatePublishes(t *testing.T) {
	repo := call.NewMemoryRepository("alice")
	orch := newOrchestrator(t, repo, fastOrchestratorConfig())

	session, err := orch.StartCall(context.Background(), "bob", false, nil)
	require.NoError(t, err)

	statusSub, err := orch.ListenToStatus(context.Background(), session.ID)
	require.NoError(t, err)
	defer statusSub.Cancel()

	orch.Dispose()

	// Поздний асинхронный callback после teardown не должен паниковать
	assert.NotPanics(t, func() {
		_, _ = repo.AcceptCall(context.Background(), session.ID, false)
	})

	_, err = orch.StartCall(context.Background(), "carol", false, nil)
	assert.ErrorIs(t, err, call.ErrDisposed)
}

func TestStartCallFastFailsWhenBreakerOpen(t *testing.T) {
	repo := call.NewMemoryRepository("alice")
	repo.SetFailure("create", errors.New("room unavailable"))

	cfg := fastOrchestratorConfig()
	cfg.Breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	}, testLogger())

	ctx := context.Background()

	// Две невосстановимые ошибки размыкают выключатель
	for i := 0; i < 2; i++ {
		orch := newOrchestrator(t, repo, cfg)
		_, err := orch.StartCall(ctx, "bob", false, nil)
		require.Error(t, err)
		orch.Dispose()
	}

	repo.SetFailure("create", nil)
	orch := newOrchestrator(t, repo, cfg)
	_, err := orch.StartCall(ctx, "bob", false, nil)
	require.Error(t, err)

	var openErr *breaker.OpenError
	assert.ErrorAs(t, err, &openErr, "разомкнутый выключатель отсекает вызов без обращения к репозиторию")
}

func TestStatusAndSessionAccessors(t *testing.T) {
	repo := call.NewMemoryRepository("alice")
	orch := newOrchestrator(t, repo, fastOrchestratorConfig())

	_, ok := orch.Status()
	assert.False(t, ok)
	_, ok = orch.Session()
	assert.False(t, ok)

	created, err := orch.StartCall(context.Background(), "bob", false, nil)
	require.NoError(t, err)

	status, ok := orch.Status()
	require.True(t, ok)
	assert.Equal(t, call.StatusConnecting, status)

	session, ok := orch.Session()
	require.True(t, ok)
	assert.Equal(t, created.ID, session.ID)

	orch.EndCall(context.Background(), created.ID)
	_, ok = orch.Status()
	assert.False(t, ok, "после терминального статуса активного вызова нет")
}
