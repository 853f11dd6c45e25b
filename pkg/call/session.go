// Package call реализует оркестрацию сигналинга вызова: конечный автомат
// статуса, широковещательный поток событий и устойчивые обращения к
// внешнему репозиторию сессий вызовов.
//
// Основные возможности:
//   - Создание, прием, отклонение и завершение вызова
//   - Статусы вызова как строгий конечный автомат с терминальными состояниями
//   - Повторные попытки и circuit breaker вокруг репозитория
//   - Согласование аудио-контекста устройства через pkg/audio
//
// Пример использования:
//
//	orch, err := call.NewOrchestrator(repo, call.DefaultOrchestratorConfig())
//	if err != nil {
//	    return err
//	}
//	defer orch.Dispose()
//
//	events, sub := orch.Events()
//	defer sub.Cancel()
//
//	session, err := orch.StartCall(ctx, calleeID, false, nil)
package call

import (
	"github.com/looplab/fsm"
)

// Status статус вызова. Ровно одно текущее значение на активный вызов;
// переходы монотонны в сторону терминального состояния.
type Status string

const (
	StatusConnecting Status = "connecting" // Создание вызова
	StatusRinging    Status = "ringing"    // Ожидание ответа вызываемого
	StatusConnected  Status = "connected"  // Вызов установлен
	StatusEnded      Status = "ended"      // Завершен (терминальный)
	StatusRejected   Status = "rejected"   // Отклонен (терминальный)
	StatusFailed     Status = "failed"     // Не удался (терминальный)
)

// Terminal сообщает, является ли статус терминальным:
// после него дальнейшие переходы недопустимы
func (s Status) Terminal() bool {
	switch s {
	case StatusEnded, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// newStatusFSM строит автомат статусов вызова:
//
//	connecting -> ringing | connected | failed
//	ringing    -> connected | ended | rejected
//	connected  -> ended
//
// ended/rejected/failed терминальны. Дополнительно допускается
// connecting -> ended (отмена до ответа) и ringing -> failed.
func newStatusFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(StatusConnecting),
		fsm.Events{
			{Name: string(StatusRinging), Src: []string{string(StatusConnecting)}, Dst: string(StatusRinging)},
			{Name: string(StatusConnected), Src: []string{string(StatusConnecting), string(StatusRinging)}, Dst: string(StatusConnected)},
			{Name: string(StatusEnded), Src: []string{string(StatusConnecting), string(StatusRinging), string(StatusConnected)}, Dst: string(StatusEnded)},
			{Name: string(StatusRejected), Src: []string{string(StatusRinging)}, Dst: string(StatusRejected)},
			{Name: string(StatusFailed), Src: []string{string(StatusConnecting), string(StatusRinging)}, Dst: string(StatusFailed)},
		}, nil,
	)
}

// Session неизменяемое описание активного или ожидающего вызова.
//
// Создается оркестратором при успешном создании или приеме вызова,
// никогда не мутирует и замещается новым экземпляром при смене состояния.
type Session struct {
	ID           string // Идентификатор вызова
	RoomID       string // Идентификатор комнаты/канала
	CallerID     string // Идентификатор вызывающего
	CalleeID     string // Идентификатор вызываемого
	IsCaller     bool   // Локальная сторона - инициатор
	VideoEnabled bool   // Включено ли видео
}

// Names отображаемые имена участников для исходящего вызова
type Names struct {
	Caller string
	Callee string
}

// StatusEvent событие потока статусов вызова
type StatusEvent struct {
	CallID string // Пустой, пока вызов еще не создан репозиторием
	Status Status
}
