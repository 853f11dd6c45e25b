package callerr

import (
	"context"
	"log/slog"
)

// Notifier боковой канал уведомлений пользователя (toast/snackbar).
// Fire-and-forget: подтверждение доставки не требуется.
type Notifier interface {
	Notify(ctx context.Context, message string)
}

// NopNotifier заглушка Notifier
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, message string) {}

// Handler политика обработки классифицированных ошибок вызова:
// решает повтор или завершение и выполняет пользовательские side effects.
type Handler struct {
	logger   *slog.Logger
	notifier Notifier
}

// NewHandler создает обработчик ошибок вызова
func NewHandler(logger *slog.Logger, notifier Notifier) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Handler{logger: logger, notifier: notifier}
}

// Handle обрабатывает классифицированную ошибку.
//
// Возвращает true, если вызывающий должен считать отказ восстановленным
// (повтор запущен), и false, если вызов должен быть завершен.
//
// onRetry - действие повтора, предоставленное вызывающим; может быть nil.
func (h *Handler) Handle(ctx context.Context, err *CallError, onRetry func()) bool {
	if err == nil {
		return true
	}

	// Шум нормального завершения: не ошибка, фиксируем и выходим
	if err.Suppressed {
		h.logger.Info("подавлена ошибка завершения вызова",
			slog.String("message", err.Message),
		)
		return false
	}

	if err.Recoverable {
		h.logger.Warn("восстановимая ошибка вызова",
			slog.String("kind", string(err.Kind)),
			slog.String("code", err.Code),
			slog.Any("error", err),
		)
	} else {
		h.logger.Error("терминальная ошибка вызова",
			slog.String("kind", string(err.Kind)),
			slog.String("code", err.Code),
			slog.Any("error", err),
		)
	}

	h.notifier.Notify(ctx, err.UserMessage)

	if err.Recoverable {
		return h.recover(err, onRetry)
	}

	h.logTerminal(err)
	return false
}

// HandleException классифицирует сырой отказ и обрабатывает его
func (h *Handler) HandleException(ctx context.Context, err error, onRetry func()) bool {
	return h.Handle(ctx, Classify(err), onRetry)
}

// recover применяет стратегию восстановления по виду ошибки
func (h *Handler) recover(err *CallError, onRetry func()) bool {
	switch err.Kind {
	case KindNetwork:
		if onRetry != nil {
			h.logger.Info("повтор после сетевой ошибки")
			onRetry()
			return true
		}
		return false
	case KindTimeout:
		// Таймаут классифицирован восстановимым, но после него повтор
		// не имеет смысла: вызов завершается
		h.logger.Info("таймаут вызова, завершение без повтора")
		return false
	default:
		return false
	}
}

// logTerminal диагностическое логирование терминальных ошибок по виду
func (h *Handler) logTerminal(err *CallError) {
	switch err.Kind {
	case KindPermission:
		h.logger.Warn("отсутствует разрешение устройства",
			slog.String("permission", err.Code),
		)
	case KindMedia:
		if err.Code == "permission" {
			h.logger.Warn("медиа-конвейер заблокирован отсутствием разрешения",
				slog.String("permission", err.Code),
			)
		}
	case KindConfiguration:
		// Сигнал для операционного алертинга
		h.logger.Error("ошибка конфигурации подсистемы звонков",
			slog.String("code", err.Code),
			slog.Any("cause", err.Cause),
		)
	}
}
