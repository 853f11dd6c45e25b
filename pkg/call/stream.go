package call

import (
	"log/slog"
	"sync"
)

// subscriberChanBuffer размер выходного канала подписчика. Буфер лишь
// сглаживает доставку: при переполнении события копятся в очереди
// подписчика, а не теряются.
const subscriberChanBuffer = 16

// StatusStream широковещательный поток событий статуса вызова.
//
// События доставляются подписчикам в порядке публикации; каждый
// подписчик получает все события, опубликованные после его подписки
// (без воспроизведения прошлых). Очередь подписчика не ограничена:
// медленный потребитель накапливает события, но не теряет их и не
// блокирует издателя. После Close публикации молча отбрасываются:
// поздние асинхронные callbacks, гоняющиеся с teardown, не должны
// паниковать.
type StatusStream struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[int]*streamSubscriber
	nextID int
	closed bool
}

// NewStatusStream создает пустой поток
func NewStatusStream(logger *slog.Logger) *StatusStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusStream{
		logger: logger,
		subs:   make(map[int]*streamSubscriber),
	}
}

// streamSubscriber очередь одного подписчика. Отдельная горутина
// переливает события из очереди в выходной канал, чтобы издатель
// никогда не блокировался на медленном потребителе.
type streamSubscriber struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []StatusEvent
	done    bool
	quit    chan struct{}
	out     chan StatusEvent
}

func newStreamSubscriber() *streamSubscriber {
	sub := &streamSubscriber{
		quit: make(chan struct{}),
		out:  make(chan StatusEvent, subscriberChanBuffer),
	}
	sub.cond = sync.NewCond(&sub.mu)
	go sub.drain()
	return sub
}

func (b *streamSubscriber) push(event StatusEvent) {
	b.mu.Lock()
	b.pending = append(b.pending, event)
	b.mu.Unlock()
	b.cond.Signal()
}

// stop будит drain и закрывает выходной канал. Недоставленные события
// отбрасываются: подписка уже отменена или поток закрыт.
func (b *streamSubscriber) stop() {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return
	}
	b.done = true
	close(b.quit)
	b.mu.Unlock()
	b.cond.Signal()
}

func (b *streamSubscriber) drain() {
	for {
		b.mu.Lock()
		for len(b.pending) == 0 && !b.done {
			b.cond.Wait()
		}
		if b.done {
			b.mu.Unlock()
			close(b.out)
			return
		}
		batch := b.pending
		b.pending = nil
		b.mu.Unlock()

		for _, event := range batch {
			select {
			case b.out <- event:
			case <-b.quit:
				close(b.out)
				return
			}
		}
	}
}

// streamSubscription отмена одной подписки
type streamSubscription struct {
	stream *StatusStream
	id     int
	once   sync.Once
}

func (s *streamSubscription) Cancel() {
	s.once.Do(func() {
		s.stream.mu.Lock()
		sub, ok := s.stream.subs[s.id]
		if ok {
			delete(s.stream.subs, s.id)
		}
		s.stream.mu.Unlock()
		if ok {
			sub.stop()
		}
	})
}

// Subscribe возвращает канал событий и handle подписки.
// Канал закрывается при Cancel или Close потока.
func (s *StatusStream) Subscribe() (<-chan StatusEvent, Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		ch := make(chan StatusEvent)
		close(ch)
		return ch, &streamSubscription{stream: s, id: -1}
	}

	sub := newStreamSubscriber()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	return sub.out, &streamSubscription{stream: s, id: id}
}

// Publish рассылает событие всем текущим подписчикам.
// Порядок публикаций сохраняется: рассылка идет под общим мьютексом.
func (s *StatusStream) Publish(event StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	for _, sub := range s.subs {
		sub.push(event)
	}
}

// Close закрывает поток и каналы всех подписчиков.
// Повторный Close безопасен.
func (s *StatusStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	for id, sub := range s.subs {
		delete(s.subs, id)
		sub.stop()
	}
}
