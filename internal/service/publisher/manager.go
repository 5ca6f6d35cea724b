package publisher

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Manager is the registry of platform publishers.
type Manager struct {
	mu         sync.RWMutex
	publishers map[string]Publisher
	logger     *zap.Logger
}

func NewPublishManager(logger *zap.Logger) *Manager {
	return &Manager{
		publishers: make(map[string]Publisher),
		logger:     logger,
	}
}

func (m *Manager) RegisterPublisher(publisher Publisher) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	platformName := publisher.GetPlatformName()
	if _, exists := m.publishers[platformName]; exists {
		return fmt.Errorf("publisher for platform %s already registered", platformName)
	}

	m.publishers[platformName] = publisher
	m.logger.Info("Publisher registered", zap.String("platform", platformName))
	return nil
}

func (m *Manager) GetPublisher(platformName string) (Publisher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	publisher, exists := m.publishers[platformName]
	if !exists {
		return nil, fmt.Errorf("publisher for platform %s not found", platformName)
	}
	return publisher, nil
}

// GetAvailablePublishers returns the registered publishers sorted by platform name.
func (m *Manager) GetAvailablePublishers() []Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var publishers []Publisher
	for _, publisher := range m.publishers {
		publishers = append(publishers, publisher)
	}
	sort.Slice(publishers, func(i, j int) bool {
		return publishers[i].GetPlatformName() < publishers[j].GetPlatformName()
	})
	return publishers
}

func (m *Manager) Platforms() []string {
	var names []string
	for _, p := range m.GetAvailablePublishers() {
		names = append(names, p.GetPlatformName())
	}
	return names
}
