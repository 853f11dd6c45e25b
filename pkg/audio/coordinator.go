package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"
)

// Context аудио-контекст устройства.
// Одновременно активен не более чем один контекст.
type Context string

const (
	ContextIdle          Context = "idle"          // Сессия неактивна
	ContextMediaPlayback Context = "mediaPlayback" // Воспроизведение вне вызова
	ContextIncomingCall  Context = "incomingCall"  // Входящий вызов, конфигурация отложена
	ContextActiveCall    Context = "activeCall"    // Активный вызов
	ContextCallEnding    Context = "callEnding"    // Завершение вызова, деактивация отложена
)

var allContexts = []string{
	string(ContextIdle),
	string(ContextMediaPlayback),
	string(ContextIncomingCall),
	string(ContextActiveCall),
	string(ContextCallEnding),
}

// ErrNoMatchingDevice возвращается SetOutput, когда запрошенный класс
// устройства отсутствует среди доступных маршрутов
var ErrNoMatchingDevice = errors.New("audio: нет подходящего устройства вывода")

// newContextFSM строит автомат переходов аудио-контекста.
// Событие именуется целевым контекстом; допустим переход из любого
// другого контекста (ограничения несет протокол вызова, не автомат).
func newContextFSM() *fsm.FSM {
	events := make(fsm.Events, 0, len(allContexts))
	for _, dst := range allContexts {
		src := make([]string, 0, len(allContexts)-1)
		for _, s := range allContexts {
			if s != dst {
				src = append(src, s)
			}
		}
		events = append(events, fsm.EventDesc{Name: dst, Src: src, Dst: dst})
	}
	return fsm.NewFSM(string(ContextIdle), events, nil)
}

// Coordinator владеет аудио-контекстом устройства и согласует его с
// callbacks нативной телефонной интеграции.
//
// Переход в incomingCall и callEnding только фиксирует состояние:
// конфигурация устройства отложена до нативной активации/деактивации -
// конфигурирование до того, как нативный UI примет вызов, конфликтует
// с аудио-сессией самой ОС.
type Coordinator struct {
	device DeviceSession
	logger *slog.Logger

	mu            sync.Mutex
	machine       *fsm.FSM
	sessionActive bool
}

// NewCoordinator создает координатор в контексте idle
func NewCoordinator(device DeviceSession, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		device:  device,
		logger:  logger.With(slog.String("component", "audio")),
		machine: newContextFSM(),
	}
}

// Current возвращает текущий аудио-контекст
func (c *Coordinator) Current() Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Context(c.machine.Current())
}

// SessionActive сообщает, активировала ли ОС аудио-сессию
func (c *Coordinator) SessionActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionActive
}

// Transition переводит устройство в новый аудио-контекст.
//
// Переход в текущий контекст - no-op без обращений к устройству.
func (c *Coordinator) Transition(ctx context.Context, target Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := Context(c.machine.Current())
	if current == target {
		return nil
	}

	if err := c.machine.Event(ctx, string(target)); err != nil {
		return fmt.Errorf("audio: переход %s -> %s: %w", current, target, err)
	}

	c.logger.Debug("смена аудио-контекста",
		slog.String("from", string(current)),
		slog.String("to", string(target)),
	)

	return c.applyLocked(target)
}

// applyLocked применяет конфигурацию устройства для целевого контекста.
// Вызывается под мьютексом.
func (c *Coordinator) applyLocked(target Context) error {
	switch target {
	case ContextIdle:
		c.sessionActive = false
		return c.device.SetActive(false)

	case ContextMediaPlayback:
		if err := c.device.SetCategory(CategoryPlayback, ModeDefault, OptionMixWithOthers); err != nil {
			return err
		}
		return c.device.SetActive(true)

	case ContextIncomingCall:
		// Конфигурация отложена до OnNativeActivate
		return nil

	case ContextActiveCall:
		opts := OptionAllowBluetooth | OptionAllowBluetoothA2DP | OptionAllowAirPlay | OptionDuckOthers
		if err := c.device.SetCategory(CategoryPlayAndRecord, ModeVoiceChat, opts); err != nil {
			return err
		}
		if err := c.device.SetActive(true); err != nil {
			return err
		}
		c.sessionActive = true
		return nil

	case ContextCallEnding:
		// Деактивация отложена до OnNativeDeactivate
		return nil
	}
	return nil
}

// OnNativeActivate callback нативной телефонной интеграции: ОС
// активировала аудио-сессию. Если текущий контекст incomingCall,
// координатор самостоятельно продвигается в activeCall.
func (c *Coordinator) OnNativeActivate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionActive = true
	c.logger.Debug("нативная активация аудио-сессии")

	if Context(c.machine.Current()) == ContextIncomingCall {
		if err := c.machine.Event(context.Background(), string(ContextActiveCall)); err != nil {
			c.logger.Warn("переход incomingCall -> activeCall не удался", slog.Any("error", err))
			return
		}
		if err := c.applyLocked(ContextActiveCall); err != nil {
			c.logger.Warn("конфигурация активного вызова не удалась", slog.Any("error", err))
		}
	}
}

// OnNativeDeactivate callback нативной телефонной интеграции: ОС
// деактивировала аудио-сессию. Контекст сбрасывается в idle.
func (c *Coordinator) OnNativeDeactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionActive = false
	c.logger.Debug("нативная деактивация аудио-сессии")

	if Context(c.machine.Current()) != ContextIdle {
		if err := c.machine.Event(context.Background(), string(ContextIdle)); err != nil {
			c.logger.Warn("сброс в idle не удался", slog.Any("error", err))
			return
		}
		if err := c.device.SetActive(false); err != nil {
			c.logger.Warn("деактивация устройства не удалась", slog.Any("error", err))
		}
	}
}

// Порядок предпочтения bluetooth-портов: HFP, затем LE, затем A2DP
var bluetoothPreference = []PortType{PortBluetoothHFP, PortBluetoothLE, PortBluetoothA2DP}

// SetOutput выбирает устройство вывода.
//
// Для bluetooth/headset/car выбирается подходящий входной маршрут;
// среди bluetooth-портов предпочитается HFP, затем LE, затем A2DP.
// Если устройств запрошенного класса нет - ErrNoMatchingDevice.
func (c *Coordinator) SetOutput(target Output) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Debug("выбор устройства вывода", slog.String("target", string(target)))

	switch target {
	case OutputSpeaker:
		return c.device.OverrideOutputPort(PortSpeaker)

	case OutputEarpiece:
		return c.device.OverrideOutputPort(PortNone)

	case OutputBluetooth:
		inputs := c.device.AvailableInputs()
		for _, preferred := range bluetoothPreference {
			for _, route := range inputs {
				if route.PortType == preferred {
					return c.device.SetPreferredInput(route)
				}
			}
		}
		return fmt.Errorf("%w: bluetooth", ErrNoMatchingDevice)

	case OutputHeadset:
		return c.selectInputLocked(target, PortHeadsetMic, PortHeadphones)

	case OutputCar:
		return c.selectInputLocked(target, PortCarAudio)
	}

	return fmt.Errorf("%w: %s", ErrNoMatchingDevice, target)
}

// selectInputLocked выбирает первый доступный вход одного из типов.
// Вызывается под мьютексом.
func (c *Coordinator) selectInputLocked(target Output, types ...PortType) error {
	for _, route := range c.device.AvailableInputs() {
		for _, portType := range types {
			if route.PortType == portType {
				return c.device.SetPreferredInput(route)
			}
		}
	}
	return fmt.Errorf("%w: %s", ErrNoMatchingDevice, target)
}

// CurrentOutput определяет класс активного устройства вывода.
//
// Порты активного маршрута проверяются в порядке приоритета: speaker,
// bluetooth, headset, earpiece, car; по умолчанию earpiece.
func (c *Coordinator) CurrentOutput() Output {
	c.mu.Lock()
	defer c.mu.Unlock()

	route := c.device.CurrentRoute()

	if routeHas(route, PortBuiltInSpeaker) {
		return OutputSpeaker
	}
	if routeHas(route, PortBluetoothHFP, PortBluetoothLE, PortBluetoothA2DP) {
		return OutputBluetooth
	}
	if routeHas(route, PortHeadphones, PortHeadsetMic) {
		return OutputHeadset
	}
	if routeHas(route, PortBuiltInReceiver) {
		return OutputEarpiece
	}
	if routeHas(route, PortCarAudio) {
		return OutputCar
	}
	return OutputEarpiece
}

func routeHas(route []Route, types ...PortType) bool {
	for _, r := range route {
		for _, portType := range types {
			if r.PortType == portType {
				return true
			}
		}
	}
	return false
}
