package breaker

import (
	"context"
	"log/slog"
	"sync"
)

// Registry реестр выключателей по имени логического ресурса.
//
// Выключатель создается лениво при первом обращении к имени с
// индивидуальной (Configure) или общей конфигурацией. Реестр живет
// столько же, сколько процесс, и никогда не сериализуется.
type Registry struct {
	defaults Config
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	configs  map[string]Config
}

// NewRegistry создает реестр с общей конфигурацией по умолчанию
func NewRegistry(defaults Config, logger *slog.Logger) *Registry {
	if defaults.Validate() != nil {
		defaults = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		defaults: defaults,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
		configs:  make(map[string]Config),
	}
}

// Configure задает индивидуальную конфигурацию для имени.
// Действует только до первого создания выключателя с этим именем.
func (r *Registry) Configure(name string, config Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[name] = config
}

// Get возвращает выключатель по имени, создавая его при первом обращении
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	config := r.defaults
	if named, ok := r.configs[name]; ok {
		config = named
	}

	cb := New(name, config, r.logger)
	r.breakers[name] = cb
	return cb
}

// Execute выполняет операцию через выключатель с указанным именем
func (r *Registry) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return r.Get(name).Execute(ctx, op)
}

// Reset сбрасывает выключатель с указанным именем, если он существует
func (r *Registry) Reset(name string) {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()
	if ok {
		cb.Reset()
	}
}

// ResetAll сбрасывает все выключатели реестра
func (r *Registry) ResetAll() {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	for _, cb := range breakers {
		cb.Reset()
	}
}

// Snapshots возвращает диагностические снимки всех выключателей
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshots := make(map[string]Snapshot, len(r.breakers))
	for name, cb := range r.breakers {
		snapshots[name] = cb.Snapshot()
	}
	return snapshots
}
