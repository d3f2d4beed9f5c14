package calsync

import (
	"strings"
	"sync"
)

type StateBackendFactory func(dsn string) (StateBackend, error)
type MutationLogFactory func(dsn string) (MutationLog, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	stateFactories map[string]StateBackendFactory
	logFactories   map[string]MutationLogFactory
}{
	stateFactories: map[string]StateBackendFactory{},
	logFactories:   map[string]MutationLogFactory{},
}

// RegisterStateBackendFactory overrides or adds the state backend used for a
// DSN scheme.
func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.stateFactories[scheme] = factory
}

func RegisterMutationLogFactory(scheme string, factory MutationLogFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.logFactories[scheme] = factory
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.stateFactories[scheme]
	return factory, ok
}

func lookupMutationLogFactory(scheme string) (MutationLogFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.logFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
