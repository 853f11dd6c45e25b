// Package callerr определяет закрытую таксономию ошибок вызова,
// классификатор произвольных отказов и политику их обработки.
//
// Уровни retry/breaker никогда не переклассифицируют ошибки - сырой отказ
// доходит до классификатора без изменений, и только здесь принимается
// решение о восстановимости и дальнейшей судьбе вызова.
package callerr

import (
	"fmt"
	"time"
)

// Kind вид ошибки вызова. Набор закрыт: классификатор и обработчик
// исчерпывающе перебирают все виды.
type Kind string

const (
	KindNetwork         Kind = "network"         // Сетевая недоступность
	KindPermission      Kind = "permission"      // Отсутствие разрешения устройства
	KindTimeout         Kind = "timeout"         // Истечение времени операции
	KindSignaling       Kind = "signaling"       // Отказ сигнального уровня
	KindMedia           Kind = "media"           // Отказ медиа-конвейера
	KindConfiguration   Kind = "configuration"   // Ошибка конфигурации
	KindState           Kind = "state"           // Недопустимое состояние
	KindBrowserDegraded Kind = "browserDegraded" // Деградация окружения браузера
	KindUnknown         Kind = "unknown"         // Неклассифицированная ошибка
)

// DefaultTimeout длительность, приписываемая таймаут-ошибкам,
// у которых нет собственного значения
const DefaultTimeout = 30 * time.Second

// recoverableByKind статическая карта восстановимости по виду ошибки.
// Network и Timeout всегда восстановимы, остальные виды терминальны
// для текущего вызова. Карта фиксирована и не настраивается.
var recoverableByKind = map[Kind]bool{
	KindNetwork: true,
	KindTimeout: true,
}

// Recoverable возвращает статическую восстановимость вида
func (k Kind) Recoverable() bool {
	return recoverableByKind[k]
}

// CallError классифицированная ошибка вызова.
//
// Создается в точке классификации отказа, немедленно потребляется
// обработчиком и нигде не сохраняется.
type CallError struct {
	Kind        Kind   // Вид ошибки из закрытой таксономии
	Message     string // Диагностическое сообщение для логов
	Code        string // Машинный код (опционально)
	Cause       error  // Исходная ошибка (опционально)
	Recoverable bool   // Можно ли продолжить вызов после восстановления
	UserMessage string // Сообщение для показа пользователю
	Suppressed  bool   // Ожидаемый шум завершения, не показывать пользователю

	// Timeout длительность, после которой операция признана зависшей.
	// Заполняется только для KindTimeout; у ошибок без собственного
	// значения это DefaultTimeout.
	Timeout time.Duration
}

// Error реализует интерфейс error
func (e *CallError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap возвращает исходную ошибку для errors.Is/As
func (e *CallError) Unwrap() error {
	return e.Cause
}

// WithCode возвращает копию ошибки с машинным кодом
func (e *CallError) WithCode(code string) *CallError {
	clone := *e
	clone.Code = code
	return &clone
}

// New создает ошибку указанного вида со статической восстановимостью
// и сообщением пользователю по умолчанию
func New(kind Kind, message string, cause error) *CallError {
	return &CallError{
		Kind:        kind,
		Message:     message,
		Cause:       cause,
		Recoverable: kind.Recoverable(),
		UserMessage: defaultUserMessage(kind),
	}
}

// NewNetwork создает сетевую ошибку (восстановимую)
func NewNetwork(message string, cause error) *CallError {
	return New(KindNetwork, message, cause)
}

// NewPermission создает ошибку отсутствия разрешения.
// permission - имя недостающего разрешения (microphone, camera).
func NewPermission(message string, permission string, cause error) *CallError {
	return New(KindPermission, message, cause).WithCode(permission)
}

// NewTimeout создает таймаут-ошибку (восстановимую)
func NewTimeout(message string, cause error) *CallError {
	e := New(KindTimeout, message, cause).WithCode("timeout")
	e.Timeout = DefaultTimeout
	return e
}

// NewSignaling создает ошибку сигнального уровня (терминальную)
func NewSignaling(message string, cause error) *CallError {
	return New(KindSignaling, message, cause)
}

// NewMedia создает ошибку медиа-конвейера (терминальную)
func NewMedia(message string, cause error) *CallError {
	return New(KindMedia, message, cause)
}

// NewConfiguration создает ошибку конфигурации (терминальную)
func NewConfiguration(message string, cause error) *CallError {
	return New(KindConfiguration, message, cause)
}

// NewState создает ошибку недопустимого состояния (терминальную)
func NewState(message string, cause error) *CallError {
	return New(KindState, message, cause)
}

// defaultUserMessage возвращает сообщение пользователю для вида ошибки
func defaultUserMessage(kind Kind) string {
	switch kind {
	case KindNetwork:
		return "Проблема с сетью. Проверьте подключение к интернету."
	case KindPermission:
		return "Нет доступа к микрофону или камере. Проверьте разрешения."
	case KindTimeout:
		return "Время ожидания истекло. Попробуйте позвонить еще раз."
	case KindSignaling:
		return "Не удалось установить соединение. Попробуйте позже."
	case KindMedia:
		return "Не удалось запустить аудио или видео."
	case KindConfiguration:
		return "Звонки временно недоступны. Попробуйте позже."
	case KindState:
		return "Вызов находится в недопустимом состоянии."
	case KindBrowserDegraded:
		return "Ваш браузер ограничивает качество звонка."
	default:
		return "Во время вызова произошла ошибка."
	}
}
