package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/callkit/pkg/audio"
	"github.com/arzzra/callkit/pkg/breaker"
	"github.com/arzzra/callkit/pkg/callerr"
	"github.com/arzzra/callkit/pkg/retry"
)

// ErrDisposed возвращается операциями после Dispose
var ErrDisposed = errors.New("call: оркестратор завершен")

// BreakerName имя выключателя репозитория вызовов по умолчанию
const BreakerName = "call_repository"

// OrchestratorConfig конфигурация оркестратора
type OrchestratorConfig struct {
	Logger *slog.Logger

	// Retry конфигурация повторных попыток обращений к репозиторию
	Retry retry.Config

	// Breakers реестр выключателей; создается при nil
	Breakers *breaker.Registry

	// BreakerName имя выключателя репозитория (по умолчанию BreakerName)
	BreakerName string

	// Audio координатор аудио-контекста устройства; опционален
	Audio *audio.Coordinator
}

// DefaultOrchestratorConfig возвращает конфигурацию по умолчанию
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Retry:       retry.NetworkConfig(),
		BreakerName: BreakerName,
	}
}

// Orchestrator владеет конечным автоматом статуса вызова, публикует его
// изменения в широковещательный поток и выполняет операции создания,
// приема, отклонения и завершения вызова против внешнего репозитория.
//
// Один экземпляр оркестрирует один вызов за раз; новый вызов допустим
// после достижения предыдущим терминального статуса.
type Orchestrator struct {
	repo        Repository
	logger      *slog.Logger
	stream      *StatusStream
	exec        *retry.Executor[Session]
	breakers    *breaker.Registry
	breakerName string
	audioCoord  *audio.Coordinator

	mu        sync.Mutex
	machine   *fsm.FSM
	session   *Session
	callStart time.Time
	disposed  bool
}

// NewOrchestrator создает оркестратор вызовов
func NewOrchestrator(repo Repository, config OrchestratorConfig) (*Orchestrator, error) {
	if repo == nil {
		return nil, errors.New("call: repository обязателен")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "call"))

	retryConfig := config.Retry
	if retryConfig.MaxAttempts == 0 {
		retryConfig = retry.NetworkConfig()
	}
	exec, err := retry.NewExecutor[Session](retryConfig, logger)
	if err != nil {
		return nil, err
	}

	breakers := config.Breakers
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.DefaultConfig(), logger)
	}

	breakerName := config.BreakerName
	if breakerName == "" {
		breakerName = BreakerName
	}

	return &Orchestrator{
		repo:        repo,
		logger:      logger,
		stream:      NewStatusStream(logger),
		exec:        exec,
		breakers:    breakers,
		breakerName: breakerName,
		audioCoord:  config.Audio,
	}, nil
}

// Events подписывает на поток событий статуса.
// Подписка принадлежит вызывающему и должна быть явно отменена.
func (o *Orchestrator) Events() (<-chan StatusEvent, Subscription) {
	return o.stream.Subscribe()
}

// Session возвращает сессию текущего вызова, если он есть
func (o *Orchestrator) Session() (Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return Session{}, false
	}
	return *o.session, true
}

// Status возвращает текущий статус вызова, если он есть
func (o *Orchestrator) Status() (Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.machine == nil {
		return "", false
	}
	return Status(o.machine.Current()), true
}

// StartCall инициирует исходящий вызов.
//
// Публикует connecting, делегирует создание репозиторию; при отказе
// публикует failed и возвращает исходную ошибку. connected не
// публикуется здесь - он придет асинхронно через слушателя статуса,
// когда вызываемый ответит.
func (o *Orchestrator) StartCall(ctx context.Context, calleeID string, videoEnabled bool, names *Names) (Session, error) {
	if err := o.beginCall(); err != nil {
		return Session{}, err
	}

	params := CreateParams{CalleeID: calleeID, VideoEnabled: videoEnabled}
	if names != nil {
		params.CallerName = names.Caller
		params.CalleeName = names.Callee
	}

	session, err := o.executeSession(ctx, "createCall", func(ctx context.Context) (Session, error) {
		return o.repo.CreateCall(ctx, params)
	})
	if err != nil {
		o.logger.Error("создание вызова не удалось",
			slog.String("callee_id", calleeID),
			slog.Any("error", err),
		)
		o.publishStatus(session.ID, StatusFailed)
		return Session{}, err
	}

	session.IsCaller = true
	o.setSession(session)

	o.logger.Info("исходящий вызов создан",
		slog.String("call_id", session.ID),
		slog.String("callee_id", calleeID),
		slog.Bool("video", videoEnabled),
	)
	return session, nil
}

// AcceptCall принимает входящий вызов.
//
// Терминальный статус здесь не публикуется: статусы вызова придут
// через слушателя.
func (o *Orchestrator) AcceptCall(ctx context.Context, callID string, videoEnabled bool) (Session, error) {
	if o.isDisposed() {
		return Session{}, ErrDisposed
	}

	session, err := o.executeSession(ctx, "acceptCall", func(ctx context.Context) (Session, error) {
		return o.repo.AcceptCall(ctx, callID, videoEnabled)
	})
	if err != nil {
		o.logger.Error("прием вызова не удался",
			slog.String("call_id", callID),
			slog.Any("error", err),
		)
		return Session{}, err
	}

	session.IsCaller = false
	o.setSession(session)

	o.logger.Info("входящий вызов принят", slog.String("call_id", session.ID))
	return session, nil
}

// EndCall завершает вызов.
//
// Наблюдаемо идемпотентен: ended публикуется независимо от исхода
// делегированной операции, повторный вызов или завершение уже
// исчезнувшего вызова никогда не поднимают ошибку наверх.
func (o *Orchestrator) EndCall(ctx context.Context, callID string) {
	if err := o.repo.EndCall(ctx, callID); err != nil {
		o.logger.Warn("завершение вызова в репозитории не удалось",
			slog.String("call_id", callID),
			slog.Any("error", err),
		)
	}
	o.publishStatus(callID, StatusEnded)
}

// RejectCall отклоняет входящий вызов.
//
// Отклонение уже исчезнувшего вызова не ошибка: отказ логируется
// и проглатывается, rejected публикуется только при успехе.
func (o *Orchestrator) RejectCall(ctx context.Context, callID string) {
	if err := o.repo.RejectCall(ctx, callID); err != nil {
		o.logger.Warn("отклонение вызова не удалось",
			slog.String("call_id", callID),
			slog.Any("error", err),
		)
		return
	}
	o.publishStatus(callID, StatusRejected)
}

// ListenToStatus подписывается на статусы вызова в репозитории и
// переиздает их в поток оркестратора. Подписка принадлежит вызывающему.
func (o *Orchestrator) ListenToStatus(ctx context.Context, callID string) (Subscription, error) {
	return o.repo.WatchCallStatus(ctx, callID, func(status Status) {
		o.publishStatus(callID, status)
	})
}

// ListenForIncomingCalls подписывается на входящие вызовы пользователя.
// При появлении ожидающего вызова аудио-контекст переводится в
// incomingCall. Подписка принадлежит вызывающему.
func (o *Orchestrator) ListenForIncomingCalls(ctx context.Context, userID string, onUpdate func([]Session)) (Subscription, error) {
	return o.repo.WatchIncomingCalls(ctx, userID, func(sessions []Session) {
		if len(sessions) > 0 && o.audioCoord != nil {
			if err := o.audioCoord.Transition(ctx, audio.ContextIncomingCall); err != nil {
				o.logger.Warn("переход в incomingCall не удался", slog.Any("error", err))
			}
		}
		if onUpdate != nil {
			onUpdate(sessions)
		}
	})
}

// Dispose помечает оркестратор завершенным и закрывает поток событий.
// Последующие публикации молча отбрасываются: поздние асинхронные
// callbacks, гоняющиеся с teardown, не должны паниковать.
func (o *Orchestrator) Dispose() {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	o.disposed = true
	o.mu.Unlock()

	o.stream.Close()
	o.logger.Debug("оркестратор завершен")
}

// executeSession выполняет операцию репозитория через выключатель и
// повторные попытки. Ошибки не переклассифицируются: наверх уходит
// последний исходный отказ.
func (o *Orchestrator) executeSession(ctx context.Context, op string, fn func(ctx context.Context) (Session, error)) (Session, error) {
	cb := o.breakers.Get(o.breakerName)

	result := o.exec.Execute(ctx,
		func(ctx context.Context) (Session, error) {
			return breaker.Do(ctx, cb, fn)
		},
		retry.WithShouldRetry(func(err error) bool {
			// Разомкнутый выключатель - быстрый отказ, повтор бессмыслен
			var openErr *breaker.OpenError
			if errors.As(err, &openErr) {
				return false
			}
			return callerr.IsRecoverable(err)
		}),
		retry.WithOnRetry(func(attempt int, delay time.Duration) {
			o.logger.Warn("повтор операции репозитория",
				slog.String("operation", op),
				slog.Int("attempt", attempt),
				slog.Int64("delay_ms", delay.Milliseconds()),
			)
		}),
	)

	if !result.Succeeded {
		return Session{}, fmt.Errorf("%s: %w", op, result.LastErr)
	}
	return result.Value, nil
}

// beginCall атомарно занимает оркестратор под новый исходящий вызов:
// проверка занятости и создание автомата выполняются под одним захватом
// мьютекса, чтобы два одновременных StartCall не прошли оба. При успехе
// публикует connecting.
func (o *Orchestrator) beginCall() error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrDisposed
	}
	if o.machine != nil {
		o.mu.Unlock()
		return callerr.NewState("вызов уже выполняется", nil)
	}
	o.machine = newStatusFSM()
	o.callStart = time.Now()
	metricCallsActive.Inc()
	o.mu.Unlock()

	metricCallsStarted.Inc()
	metricStatusTransitions.WithLabelValues(string(StatusConnecting)).Inc()
	o.logger.Info("статус вызова",
		slog.String("call_id", ""),
		slog.String("status", string(StatusConnecting)),
	)
	o.syncAudio(StatusConnecting)
	o.stream.Publish(StatusEvent{Status: StatusConnecting})
	return nil
}

// publishStatus валидирует переход статуса и публикует событие.
//
// Автомат создается лениво при первом статусе вызова (connecting для
// исходящих; для принятых входящих первым может прийти connected).
// Недопустимый переход логируется и не публикуется - монотонность к
// терминальному состоянию гарантирована.
func (o *Orchestrator) publishStatus(callID string, status Status) {
	o.mu.Lock()

	if o.disposed {
		o.mu.Unlock()
		return
	}

	if o.machine == nil {
		if status.Terminal() {
			// Активного вызова нет: терминальный статус публикуется
			// (endCall наблюдаемо идемпотентен), но вызов не учитывается
			o.mu.Unlock()
			o.syncAudio(status)
			o.stream.Publish(StatusEvent{CallID: callID, Status: status})
			return
		}
		o.machine = newStatusFSM()
		o.callStart = time.Now()
		metricCallsActive.Inc()
		// Первый наблюдаемый статус принимается как есть: автомат мог
		// быть создан на стороне, присоединившейся к вызову не с connecting
		// (принятый входящий вызов сразу видит connected)
		o.machine.SetState(string(status))
	} else if Status(o.machine.Current()) == status {
		// Повторная публикация того же статуса не событие
		o.mu.Unlock()
		return
	} else if err := o.machine.Event(context.Background(), string(status)); err != nil {
		o.logger.Debug("недопустимый переход статуса отброшен",
			slog.String("call_id", callID),
			slog.String("from", o.machine.Current()),
			slog.String("to", string(status)),
		)
		o.mu.Unlock()
		return
	}

	metricStatusTransitions.WithLabelValues(string(status)).Inc()

	var callDuration time.Duration
	terminal := status.Terminal()
	if terminal {
		callDuration = time.Since(o.callStart)
		o.machine = nil
		o.session = nil
		metricCallsActive.Dec()
	}
	o.mu.Unlock()

	o.logger.Info("статус вызова",
		slog.String("call_id", callID),
		slog.String("status", string(status)),
	)

	if terminal {
		metricCallsEnded.WithLabelValues(string(status)).Inc()
		metricCallDuration.Observe(callDuration.Seconds())
	}

	o.syncAudio(status)
	o.stream.Publish(StatusEvent{CallID: callID, Status: status})
}

// syncAudio согласует аудио-контекст устройства со статусом вызова
func (o *Orchestrator) syncAudio(status Status) {
	if o.audioCoord == nil {
		return
	}

	var target audio.Context
	switch {
	case status == StatusConnected:
		target = audio.ContextActiveCall
	case status.Terminal():
		// Деактивацию устройства завершит нативный callback
		target = audio.ContextCallEnding
	default:
		return
	}

	if err := o.audioCoord.Transition(context.Background(), target); err != nil {
		o.logger.Warn("согласование аудио-контекста не удалось",
			slog.String("status", string(status)),
			slog.Any("error", err),
		)
	}
}

func (o *Orchestrator) isDisposed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.disposed
}

func (o *Orchestrator) setSession(session Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.session = &session
}
