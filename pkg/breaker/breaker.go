// Package breaker реализует автоматический выключатель (circuit breaker)
// для защиты от каскадных отказов внешних зависимостей.
//
// Выключатель находится в одном из трех состояний:
//   - closed: нормальная работа, вызовы проходят
//   - open: быстрый отказ без вызова операции в течение Timeout
//   - halfOpen: пробный режим после истечения Timeout
//
// Переходы:
//   - closed -> open при достижении FailureThreshold подряд идущих ошибок
//   - open -> halfOpen по истечении Timeout (лениво при следующем вызове
//     или проактивно по таймеру)
//   - halfOpen -> open при первой же ошибке
//   - halfOpen -> closed при SuccessThreshold успешных вызовов
//
// Выключатель никогда не переклассифицирует ошибки операции: при отказе
// операции вызывающему возвращается исходная ошибка без изменений.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State состояние выключателя
type State string

const (
	StateClosed   State = "closed"   // Нормальная работа
	StateOpen     State = "open"     // Быстрый отказ
	StateHalfOpen State = "halfOpen" // Пробный режим
)

// Config конфигурация выключателя
type Config struct {
	FailureThreshold int           // Ошибок подряд до перехода в open
	SuccessThreshold int           // Успехов в halfOpen до возврата в closed
	Timeout          time.Duration // Длительность состояния open до пробы
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("breaker: FailureThreshold должен быть >= 1, получено %d", c.FailureThreshold)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("breaker: SuccessThreshold должен быть >= 1, получено %d", c.SuccessThreshold)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("breaker: Timeout должен быть положительным, получено %v", c.Timeout)
	}
	return nil
}

// OpenError возвращается при отказе в open-состоянии до истечения Timeout.
// Операция при этом не вызывается.
type OpenError struct {
	Name       string        // Имя выключателя
	RetryAfter time.Duration // Время до следующей пробы
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q открыт, следующая проба через %v", e.Name, e.RetryAfter)
}

// Snapshot диагностический снимок состояния выключателя.
// Предназначен только для наблюдаемости, не для управления.
type Snapshot struct {
	Name            string
	State           State
	FailureCount    int
	SuccessCount    int
	LastStateChange time.Time
}

// CircuitBreaker автоматический выключатель для одного логического ресурса.
// Все мутации состояния защищены мьютексом.
type CircuitBreaker struct {
	name   string
	config Config
	logger *slog.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int // Учитывается только в halfOpen
	lastStateChange time.Time
	probeTimer      *time.Timer
}

// New создает новый выключатель в состоянии closed.
// Невалидная конфигурация заменяется на DefaultConfig.
func New(name string, config Config, logger *slog.Logger) *CircuitBreaker {
	if config.Validate() != nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cb := &CircuitBreaker{
		name:            name,
		config:          config,
		logger:          logger.With(slog.String("breaker", name)),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
	metricState.WithLabelValues(name).Set(stateValue(StateClosed))
	return cb
}

// Name возвращает имя выключателя
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State возвращает текущее состояние с учетом ленивого перехода open->halfOpen
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeProbeLocked()
	return cb.state
}

// Snapshot возвращает диагностический снимок текущего состояния
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastStateChange: cb.lastStateChange,
	}
}

// Execute выполняет операцию через выключатель.
//
// В open-состоянии до истечения Timeout операция не вызывается, а
// возвращается *OpenError с оставшимся временем до пробы. В остальных
// случаях операция вызывается, и к результату применяются правила
// переходов; исходная ошибка операции возвращается без изменений.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := op(ctx)
	if err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

// Do выполняет операцию с результатом через выключатель
func Do[T any](ctx context.Context, cb *CircuitBreaker, op func(ctx context.Context) (T, error)) (T, error) {
	var value T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		value, opErr = op(ctx)
		return opErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}

// Reset возвращает выключатель в исходное closed-состояние,
// обнуляя счетчики и отменяя запланированную пробу
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.logger.Info("сброс circuit breaker")
	cb.setStateLocked(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
}

// admit решает, допускать ли вызов операции
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeProbeLocked()

	if cb.state == StateOpen {
		remaining := cb.config.Timeout - time.Since(cb.lastStateChange)
		if remaining < 0 {
			remaining = 0
		}
		metricRejections.WithLabelValues(cb.name).Inc()
		return &OpenError{Name: cb.name, RetryAfter: remaining}
	}
	return nil
}

// maybeProbeLocked выполняет ленивый переход open -> halfOpen
// по истечении Timeout. Вызывается под мьютексом.
func (cb *CircuitBreaker) maybeProbeLocked() {
	if cb.state == StateOpen && time.Since(cb.lastStateChange) >= cb.config.Timeout {
		cb.logger.Info("таймаут истек, переход в пробный режим")
		cb.setStateLocked(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.logger.Info("проба успешна, возврат в нормальный режим",
				slog.Int("successes", cb.successCount),
			)
			cb.setStateLocked(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.logger.Warn("превышен порог ошибок, размыкание",
				slog.Int("failures", cb.failureCount),
			)
			cb.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		// Любая ошибка в пробном режиме немедленно размыкает
		cb.logger.Warn("ошибка в пробном режиме, повторное размыкание")
		cb.setStateLocked(StateOpen)
		cb.successCount = 0
	}
}

// setStateLocked выполняет переход состояния и управляет таймером пробы.
// Вызывается под мьютексом.
func (cb *CircuitBreaker) setStateLocked(next State) {
	if cb.state == next {
		return
	}

	// Таймер пробы живет только в open-состоянии
	if cb.probeTimer != nil {
		cb.probeTimer.Stop()
		cb.probeTimer = nil
	}

	prev := cb.state
	cb.state = next
	cb.lastStateChange = time.Now()

	if next == StateOpen {
		metricTrips.WithLabelValues(cb.name).Inc()
		cb.probeTimer = time.AfterFunc(cb.config.Timeout, cb.onProbeTimer)
	}

	metricState.WithLabelValues(cb.name).Set(stateValue(next))

	cb.logger.Debug("переход состояния circuit breaker",
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
	)
}

// onProbeTimer проактивный переход open -> halfOpen по таймеру
func (cb *CircuitBreaker) onProbeTimer() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		cb.logger.Info("проактивный переход в пробный режим")
		cb.setStateLocked(StateHalfOpen)
	}
}
