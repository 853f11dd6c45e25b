package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrCallNotFound возвращается операциями над несуществующим вызовом
var ErrCallNotFound = errors.New("call already ended")

// MemoryRepository эталонная реализация Repository в памяти.
//
// Замещает документное хранилище реального времени в тестах и примерах:
// та же семантика наблюдателей (fan-out по изменению), но без сети.
type MemoryRepository struct {
	userID string // Идентификатор локального (аутентифицированного) пользователя

	mu             sync.Mutex
	calls          map[string]*memCall
	statusWatchers map[string]map[int]func(Status)
	incomingWatch  map[string]map[int]func([]Session)
	nextWatcherID  int
	failures       map[string]error
	failuresLeft   map[string]int
}

type memCall struct {
	session Session
	status  Status
}

// NewMemoryRepository создает репозиторий для локального пользователя
func NewMemoryRepository(userID string) *MemoryRepository {
	return &MemoryRepository{
		userID:         userID,
		calls:          make(map[string]*memCall),
		statusWatchers: make(map[string]map[int]func(Status)),
		incomingWatch:  make(map[string]map[int]func([]Session)),
		failures:       make(map[string]error),
		failuresLeft:   make(map[string]int),
	}
}

// SetFailure включает постоянный отказ операции op
// (create, accept, end, reject). nil снимает отказ.
func (r *MemoryRepository) SetFailure(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, op)
		delete(r.failuresLeft, op)
		return
	}
	r.failures[op] = err
	delete(r.failuresLeft, op)
}

// SetFailureN включает отказ операции op на ближайшие n вызовов
func (r *MemoryRepository) SetFailureN(op string, err error, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op] = err
	r.failuresLeft[op] = n
}

// failureLocked возвращает инъецированный отказ операции, если он есть.
// Вызывается под мьютексом.
func (r *MemoryRepository) failureLocked(op string) error {
	err, ok := r.failures[op]
	if !ok {
		return nil
	}
	if left, limited := r.failuresLeft[op]; limited {
		if left <= 0 {
			delete(r.failures, op)
			delete(r.failuresLeft, op)
			return nil
		}
		r.failuresLeft[op] = left - 1
	}
	return err
}

// CreateCall создает вызов в статусе ringing и уведомляет наблюдателей
// входящих вызовов вызываемого
func (r *MemoryRepository) CreateCall(ctx context.Context, params CreateParams) (Session, error) {
	r.mu.Lock()
	if err := r.failureLocked("create"); err != nil {
		r.mu.Unlock()
		return Session{}, err
	}

	session := Session{
		ID:           uuid.NewString(),
		RoomID:       uuid.NewString(),
		CallerID:     r.userID,
		CalleeID:     params.CalleeID,
		VideoEnabled: params.VideoEnabled,
	}
	r.calls[session.ID] = &memCall{session: session, status: StatusRinging}

	statusFns := r.statusWatcherListLocked(session.ID)
	incomingFns, pending := r.incomingSnapshotLocked(params.CalleeID)
	r.mu.Unlock()

	notifyStatus(statusFns, StatusRinging)
	notifyIncoming(incomingFns, pending)
	return session, nil
}

// AcceptCall переводит вызов в connected
func (r *MemoryRepository) AcceptCall(ctx context.Context, callID string, videoEnabled bool) (Session, error) {
	r.mu.Lock()
	if err := r.failureLocked("accept"); err != nil {
		r.mu.Unlock()
		return Session{}, err
	}

	c, ok := r.calls[callID]
	if !ok {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("accept %s: %w", callID, ErrCallNotFound)
	}

	c.status = StatusConnected
	c.session.VideoEnabled = videoEnabled
	session := c.session

	statusFns := r.statusWatcherListLocked(callID)
	incomingFns, pending := r.incomingSnapshotLocked(session.CalleeID)
	r.mu.Unlock()

	notifyStatus(statusFns, StatusConnected)
	notifyIncoming(incomingFns, pending)
	return session, nil
}

// EndCall завершает вызов; завершение несуществующего вызова - ошибка
// уровня репозитория (оркестратор обязан ее поглотить)
func (r *MemoryRepository) EndCall(ctx context.Context, callID string) error {
	return r.finish(callID, "end", StatusEnded)
}

// RejectCall отклоняет вызов
func (r *MemoryRepository) RejectCall(ctx context.Context, callID string) error {
	return r.finish(callID, "reject", StatusRejected)
}

func (r *MemoryRepository) finish(callID, op string, status Status) error {
	r.mu.Lock()
	if err := r.failureLocked(op); err != nil {
		r.mu.Unlock()
		return err
	}

	c, ok := r.calls[callID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s %s: %w", op, callID, ErrCallNotFound)
	}

	delete(r.calls, callID)
	calleeID := c.session.CalleeID

	statusFns := r.statusWatcherListLocked(callID)
	incomingFns, pending := r.incomingSnapshotLocked(calleeID)
	r.mu.Unlock()

	notifyStatus(statusFns, status)
	notifyIncoming(incomingFns, pending)
	return nil
}

// memSubscription отмена одного наблюдателя
type memSubscription struct {
	cancel func()
	once   sync.Once
}

func (s *memSubscription) Cancel() {
	s.once.Do(s.cancel)
}

// WatchCallStatus подписывает на изменения статуса вызова
func (r *MemoryRepository) WatchCallStatus(ctx context.Context, callID string, onUpdate func(Status)) (Subscription, error) {
	if onUpdate == nil {
		return nil, errors.New("call: onUpdate обязателен")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.statusWatchers[callID] == nil {
		r.statusWatchers[callID] = make(map[int]func(Status))
	}
	id := r.nextWatcherID
	r.nextWatcherID++
	r.statusWatchers[callID][id] = onUpdate

	return &memSubscription{cancel: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.statusWatchers[callID], id)
	}}, nil
}

// WatchIncomingCalls подписывает на входящие вызовы пользователя.
// Наблюдатель сразу получает текущий список ожидающих вызовов.
func (r *MemoryRepository) WatchIncomingCalls(ctx context.Context, userID string, onUpdate func([]Session)) (Subscription, error) {
	if onUpdate == nil {
		return nil, errors.New("call: onUpdate обязателен")
	}

	r.mu.Lock()
	if r.incomingWatch[userID] == nil {
		r.incomingWatch[userID] = make(map[int]func([]Session))
	}
	id := r.nextWatcherID
	r.nextWatcherID++
	r.incomingWatch[userID][id] = onUpdate
	pending := r.pendingForLocked(userID)
	r.mu.Unlock()

	onUpdate(pending)

	return &memSubscription{cancel: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.incomingWatch[userID], id)
	}}, nil
}

// statusWatcherListLocked снимок наблюдателей статуса вызова.
// Вызывается под мьютексом.
func (r *MemoryRepository) statusWatcherListLocked(callID string) []func(Status) {
	watchers := r.statusWatchers[callID]
	fns := make([]func(Status), 0, len(watchers))
	for _, fn := range watchers {
		fns = append(fns, fn)
	}
	return fns
}

// incomingSnapshotLocked снимок наблюдателей входящих вызовов
// пользователя вместе с его текущим списком ожидающих вызовов.
// Вызывается под мьютексом.
func (r *MemoryRepository) incomingSnapshotLocked(userID string) ([]func([]Session), []Session) {
	watchers := r.incomingWatch[userID]
	fns := make([]func([]Session), 0, len(watchers))
	for _, fn := range watchers {
		fns = append(fns, fn)
	}
	return fns, r.pendingForLocked(userID)
}

// pendingForLocked список вызовов, ожидающих ответа пользователя.
// Вызывается под мьютексом.
func (r *MemoryRepository) pendingForLocked(userID string) []Session {
	var pending []Session
	for _, c := range r.calls {
		if c.session.CalleeID == userID && c.status == StatusRinging {
			pending = append(pending, c.session)
		}
	}
	return pending
}

// Уведомления вызываются после освобождения мьютекса: callback может
// синхронно обращаться обратно в репозиторий
func notifyStatus(fns []func(Status), status Status) {
	for _, fn := range fns {
		fn(status)
	}
}

func notifyIncoming(fns []func([]Session), pending []Session) {
	for _, fn := range fns {
		fn(pending)
	}
}
