package callerr

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Фразы, указывающие на ожидаемое завершение вызова. Такой отказ -
// не настоящая ошибка, а гонка нормального teardown, и подавляется.
var terminationPhrases = []string{
	"call ended",
	"call already ended",
	"call has ended",
	"call was ended",
	"connection could not be established",
	"peer connection closed",
}

// Ключевые слова классификации в порядке приоритета.
// Сопоставление по подстроке в нижнем регистре - унаследованный контракт:
// знаем, что он хрупок, но на него завязано поведение существующих
// развертываний (см. DESIGN.md).
var (
	networkKeywords    = []string{"network", "connection", "internet", "offline", "unreachable"}
	permissionKeywords = []string{"permission", "denied", "access"}
	signalingKeywords  = []string{"signaling", "signalling", "room", "session"}
)

// Classify отображает произвольный отказ в CallError.
//
// Классификация идемпотентна: уже классифицированная ошибка возвращается
// без изменений (тот же экземпляр). Сырые ошибки сопоставляются по
// подстрокам текста в порядке приоритета:
//
//  1. фразы завершения вызова -> Unknown с флагом подавления
//  2. сеть/подключение/интернет -> Network (восстановимая)
//  3. permission/denied/access -> Media (недостаток разрешения
//     блокирует медиа-конвейер, вызов не продолжить)
//  4. timeout -> Timeout (восстановимая)
//  5. signaling/room/session -> Signaling (терминальная)
//  6. нет совпадения -> Unknown (терминальная)
//
// До текстового сопоставления распознаются типизированные таймауты
// (net.Error, context.DeadlineExceeded).
func Classify(err error) *CallError {
	if err == nil {
		return nil
	}

	var classified *CallError
	if errors.As(err, &classified) {
		return classified
	}

	// Типизированные таймауты не требуют разбора текста
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeout(err.Error(), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeout(err.Error(), err)
	}

	msg := strings.ToLower(err.Error())

	for _, phrase := range terminationPhrases {
		if strings.Contains(msg, phrase) {
			e := New(KindUnknown, err.Error(), err)
			e.Suppressed = true
			return e
		}
	}

	if containsAny(msg, networkKeywords) {
		return NewNetwork(err.Error(), err)
	}

	if containsAny(msg, permissionKeywords) {
		return NewMedia(err.Error(), err).WithCode("permission")
	}

	if strings.Contains(msg, "timeout") {
		return NewTimeout(err.Error(), err)
	}

	if containsAny(msg, signalingKeywords) {
		return NewSignaling(err.Error(), err)
	}

	return New(KindUnknown, err.Error(), err)
}

// FromException алиас Classify для вызывающих, у которых на руках
// только сырой отказ
func FromException(err error) *CallError {
	return Classify(err)
}

// IsRecoverable сообщает, восстановим ли произвольный отказ
// после классификации
func IsRecoverable(err error) bool {
	classified := Classify(err)
	return classified != nil && classified.Recoverable
}

func containsAny(msg string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(msg, keyword) {
			return true
		}
	}
	return false
}
