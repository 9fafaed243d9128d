package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Operation names used for default provider selection.
const (
	OpChat     = "chat"
	OpGenerate = "generate"
	OpAny      = "*"
)

// Set holds configured providers by key plus per-operation defaults.
type Set struct {
	mu       sync.RWMutex
	models   map[string]ChatModel
	defaults map[string]string
}

// NewSet creates an empty provider set.
func NewSet() *Set {
	return &Set{
		models:   make(map[string]ChatModel),
		defaults: make(map[string]string),
	}
}

// Add registers a provider under key.
func (s *Set) Add(key string, m ChatModel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[key] = m
}

// SetDefault selects the provider used for operation when no key is given.
func (s *Set) SetDefault(operation, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults[operation] = key
}

// Get returns the provider registered under key.
func (s *Set) Get(key string) (ChatModel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[key]
	return m, ok
}

// Keys lists registered provider keys in sorted order.
func (s *Set) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.models))
	for k := range s.models {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve picks a provider: an explicit key wins, then the operation default,
// then the catch-all default. Failing all three is a no_provider error.
func (s *Set) Resolve(explicit, operation string) (string, ChatModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key := strings.TrimSpace(explicit); key != "" {
		m, ok := s.models[key]
		if !ok {
			return "", nil, NewError(KindNoProvider, fmt.Sprintf("provider %q is not configured", key))
		}
		return key, m, nil
	}

	for _, op := range []string{operation, OpAny} {
		key, ok := s.defaults[op]
		if !ok || key == "" {
			continue
		}
		m, ok := s.models[key]
		if !ok {
			return "", nil, NewError(KindNoProvider, fmt.Sprintf("default provider %q for %q is not configured", key, op))
		}
		return key, m, nil
	}

	return "", nil, NewError(KindNoProvider, fmt.Sprintf("no provider selected for %q", operation))
}
