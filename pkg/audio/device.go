// Package audio владеет аудио-контекстом устройства и согласует его
// с нативной телефонной интеграцией ОС.
//
// Аудио-сессия устройства - единственный общепроцессный ресурс, и она
// принадлежит исключительно Coordinator: никакой другой компонент не
// конфигурирует ее напрямую. Все запросы идут через Transition/SetOutput,
// так что конечный автомат остается единственным источником истины.
package audio

// Category категория аудио-сессии устройства
type Category string

const (
	CategoryPlayback      Category = "playback"      // Воспроизведение без записи
	CategoryPlayAndRecord Category = "playAndRecord" // Двусторонний голос
)

// Mode режим аудио-сессии устройства
type Mode string

const (
	ModeDefault   Mode = "default"
	ModeVoiceChat Mode = "voiceChat"
)

// Options битовые опции конфигурации аудио-сессии
type Options uint32

const (
	OptionAllowBluetooth Options = 1 << iota
	OptionAllowBluetoothA2DP
	OptionAllowAirPlay
	OptionDefaultToSpeaker
	OptionDuckOthers
	OptionMixWithOthers
)

// Has сообщает, установлена ли опция
func (o Options) Has(opt Options) bool {
	return o&opt != 0
}

// Port принудительный выходной порт
type Port string

const (
	PortNone    Port = "none"    // Маршрут по умолчанию (динамик у уха)
	PortSpeaker Port = "speaker" // Громкая связь
)

// PortType тип порта аудио-маршрута
type PortType string

const (
	PortBuiltInSpeaker  PortType = "builtInSpeaker"
	PortBuiltInReceiver PortType = "builtInReceiver"
	PortBuiltInMic      PortType = "builtInMic"
	PortBluetoothHFP    PortType = "bluetoothHFP"
	PortBluetoothLE     PortType = "bluetoothLE"
	PortBluetoothA2DP   PortType = "bluetoothA2DP"
	PortHeadphones      PortType = "headphones"
	PortHeadsetMic      PortType = "headsetMic"
	PortCarAudio        PortType = "carAudio"
)

// Route описание одного порта текущего или доступного маршрута
type Route struct {
	PortType PortType // Тип порта
	Name     string   // Человекочитаемое имя устройства
	UID      string   // Уникальный идентификатор порта
}

// Output класс устройства вывода, запрашиваемый пользователем
type Output string

const (
	OutputSpeaker   Output = "speaker"
	OutputEarpiece  Output = "earpiece"
	OutputBluetooth Output = "bluetooth"
	OutputHeadset   Output = "headset"
	OutputCar       Output = "car"
)

// DeviceSession абстракция платформенного аудио API.
//
// Конкретная реализация привязана к целевой платформе и выбирается при
// конструировании Coordinator; пакет зависит только от этого контракта.
type DeviceSession interface {
	// SetCategory конфигурирует категорию, режим и опции сессии
	SetCategory(category Category, mode Mode, opts Options) error

	// SetActive активирует или деактивирует аудио-сессию
	SetActive(active bool) error

	// OverrideOutputPort принудительно задает выходной порт
	OverrideOutputPort(port Port) error

	// SetPreferredInput выбирает предпочтительное входное устройство
	SetPreferredInput(route Route) error

	// AvailableInputs возвращает доступные входные маршруты
	AvailableInputs() []Route

	// CurrentRoute возвращает порты активного маршрута
	CurrentRoute() []Route
}
