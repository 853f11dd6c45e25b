// Package retry предоставляет механизм повторных попыток с настраиваемым
// откатом (backoff) для асинхронных операций.
//
// Основные возможности:
//   - Экспоненциальный или фиксированный откат между попытками
//   - Предикат shouldRetry для классификации ошибок
//   - Callback перед каждым ожиданием для диагностики
//   - Полный отчет о последовательности попыток (Result)
//
// Пример использования:
//
//	exec, err := retry.NewExecutor[*call.Session](retry.NetworkConfig(), logger)
//	if err != nil {
//	    return err
//	}
//
//	result := exec.Execute(ctx, func(ctx context.Context) (*call.Session, error) {
//	    return repo.CreateCall(ctx, params)
//	})
//	if !result.Succeeded {
//	    return result.LastErr
//	}
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Config конфигурация для механизма повторных попыток
type Config struct {
	MaxAttempts        int           // Максимальное количество попыток (>= 1)
	InitialDelay       time.Duration // Начальная задержка
	MaxDelay           time.Duration // Максимальная задержка
	BackoffMultiplier  float64       // Множитель для экспоненциального отката
	ExponentialBackoff bool          // false = фиксированная задержка InitialDelay
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        3,
		InitialDelay:       100 * time.Millisecond,
		MaxDelay:           5 * time.Second,
		BackoffMultiplier:  2.0,
		ExponentialBackoff: true,
	}
}

// NetworkConfig возвращает конфигурацию для сетевых операций
func NetworkConfig() Config {
	return Config{
		MaxAttempts:        5,
		InitialDelay:       200 * time.Millisecond,
		MaxDelay:           10 * time.Second,
		BackoffMultiplier:  2.0,
		ExponentialBackoff: true,
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("retry: MaxAttempts должен быть >= 1, получено %d", c.MaxAttempts)
	}
	if c.InitialDelay <= 0 {
		return fmt.Errorf("retry: InitialDelay должен быть положительным, получено %v", c.InitialDelay)
	}
	if c.ExponentialBackoff && c.BackoffMultiplier < 1 {
		return fmt.Errorf("retry: BackoffMultiplier должен быть >= 1, получено %v", c.BackoffMultiplier)
	}
	return nil
}

// Result результат последовательности попыток.
// Создается один раз на вызов Execute и далее не изменяется.
type Result[T any] struct {
	Value     T             // Значение при успехе (zero value при неудаче)
	Attempts  int           // Фактическое количество попыток
	Succeeded bool          // true если одна из попыток завершилась успешно
	LastErr   error         // Последняя наблюдавшаяся ошибка (nil при успехе)
	Elapsed   time.Duration // Время с начала первой попытки
}

// Operation операция, которая может быть повторена
type Operation[T any] func(ctx context.Context) (T, error)

// ShouldRetryFunc предикат, определяющий стоит ли повторять после ошибки
type ShouldRetryFunc func(err error) bool

// OnRetryFunc вызывается перед ожиданием между попытками.
// attempt - номер неудавшейся попытки, delay - задержка перед следующей.
type OnRetryFunc func(attempt int, delay time.Duration)

// Option настраивает отдельный вызов Execute
type Option func(*executeOptions)

type executeOptions struct {
	shouldRetry ShouldRetryFunc
	onRetry     OnRetryFunc
}

// WithShouldRetry задает предикат повторяемости ошибки.
// По умолчанию повторяются все ошибки.
func WithShouldRetry(fn ShouldRetryFunc) Option {
	return func(o *executeOptions) { o.shouldRetry = fn }
}

// WithOnRetry задает callback, вызываемый перед каждым ожиданием
func WithOnRetry(fn OnRetryFunc) Option {
	return func(o *executeOptions) { o.onRetry = fn }
}

// Executor выполняет операции с повторными попытками согласно Config.
// Executor не интерпретирует и не переклассифицирует ошибки операции -
// последняя ошибка возвращается вызывающему без изменений.
type Executor[T any] struct {
	config Config
	logger *slog.Logger
}

// NewExecutor создает новый Executor с проверкой конфигурации
func NewExecutor[T any](config Config, logger *slog.Logger) (*Executor[T], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor[T]{config: config, logger: logger}, nil
}

// Execute выполняет операцию до MaxAttempts раз.
//
// Попытки строго последовательны: следующая не начинается, пока не
// завершилась предыдущая вместе с обработкой ее ошибки. Если предикат
// shouldRetry вернул false, выполнение прекращается немедленно, без
// ожидания. После последней попытки ожидания также нет.
//
// Отмена контекста прерывает ожидание между попытками; ошибка контекста
// становится LastErr результата.
func (e *Executor[T]) Execute(ctx context.Context, op Operation[T], opts ...Option) Result[T] {
	options := executeOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		value, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				e.logger.Info("операция выполнена успешно после повторных попыток",
					slog.Int("attempt", attempt),
				)
			}
			return Result[T]{
				Value:     value,
				Attempts:  attempt,
				Succeeded: true,
				Elapsed:   time.Since(start),
			}
		}

		lastErr = err

		if options.shouldRetry != nil && !options.shouldRetry(err) {
			e.logger.Warn("ошибка не подлежит повтору",
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			return Result[T]{
				Attempts: attempt,
				LastErr:  err,
				Elapsed:  time.Since(start),
			}
		}

		if attempt == e.config.MaxAttempts {
			break
		}

		delay := e.delayFor(attempt)

		if options.onRetry != nil {
			options.onRetry(attempt, delay)
		}

		e.logger.Warn("операция не удалась, повтор через задержку",
			slog.Int("attempt", attempt),
			slog.Int64("delay_ms", delay.Milliseconds()),
			slog.Any("error", err),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result[T]{
				Attempts: attempt,
				LastErr:  ctx.Err(),
				Elapsed:  time.Since(start),
			}
		}
	}

	e.logger.Error("все попытки исчерпаны",
		slog.Int("attempts", e.config.MaxAttempts),
		slog.Any("error", lastErr),
	)

	return Result[T]{
		Attempts: e.config.MaxAttempts,
		LastErr:  lastErr,
		Elapsed:  time.Since(start),
	}
}

// delayFor вычисляет задержку перед попыткой attempt+1.
//
// При экспоненциальном откате множитель усекается до целого и применяется
// повторным целочисленным умножением. Дробные множители (например 1.5)
// из-за усечения вырождаются в 1 - рост отсутствует. Поведение сохранено
// как есть: формула унаследована и на нее завязаны существующие тайминги.
func (e *Executor[T]) delayFor(attempt int) time.Duration {
	if !e.config.ExponentialBackoff {
		return e.config.InitialDelay
	}

	factor := int64(e.config.BackoffMultiplier)
	if factor < 1 {
		factor = 1
	}

	delay := e.config.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= time.Duration(factor)
		if delay >= e.config.MaxDelay {
			return e.config.MaxDelay
		}
	}
	if delay > e.config.MaxDelay {
		return e.config.MaxDelay
	}
	return delay
}
