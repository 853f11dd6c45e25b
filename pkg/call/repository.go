package call

import (
	"context"
)

// Subscription явный ресурс подписки на поток событий.
// Вызывающий обязан сохранить handle и отменить подписку; неотмененная
// подписка живет до закрытия нижележащего потока.
type Subscription interface {
	Cancel()
}

// CreateParams параметры создания исходящего вызова
type CreateParams struct {
	CalleeID     string
	VideoEnabled bool
	CallerName   string
	CalleeName   string
}

// Repository контракт внешнего репозитория сессий вызовов.
//
// В эталонном развертывании репозиторий опирается на документное
// хранилище реального времени; ядро зависит только от этого контракта.
// Репозиторий сам отвечает за собственные I/O-таймауты и обязан
// поднимать их как ошибки с текстом "timeout".
type Repository interface {
	// CreateCall создает вызов и возвращает его сессию
	CreateCall(ctx context.Context, params CreateParams) (Session, error)

	// AcceptCall принимает входящий вызов
	AcceptCall(ctx context.Context, callID string, videoEnabled bool) (Session, error)

	// EndCall завершает вызов
	EndCall(ctx context.Context, callID string) error

	// RejectCall отклоняет входящий вызов
	RejectCall(ctx context.Context, callID string) error

	// WatchCallStatus подписывается на изменения статуса вызова
	WatchCallStatus(ctx context.Context, callID string, onUpdate func(Status)) (Subscription, error)

	// WatchIncomingCalls подписывается на входящие вызовы пользователя.
	// Callback получает полный список ожидающих вызовов при каждом изменении.
	WatchIncomingCalls(ctx context.Context, userID string, onUpdate func([]Session)) (Subscription, error)
}
