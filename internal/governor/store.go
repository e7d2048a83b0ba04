package governor

import (
	"context"
	"sync"

	"github.com/emperorhan/cycle-governor/internal/domain/model"
)

//go:generate mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks

// StateStore owns the authoritative GovernorState records.
//
// Update runs fn with exclusive access to the record for governorID, creating an
// Idle record on first use. If fn returns an error nothing is persisted.
type StateStore interface {
	Load(ctx context.Context, governorID string) (model.GovernorState, error)
	Update(ctx context.Context, governorID string, fn func(state *model.GovernorState) error) error
}

// MemoryStore is a process-local StateStore. Each Update holds the store lock for the
// whole call, so calls are serialized across all governors it holds.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]model.GovernorState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]model.GovernorState)}
}

func (s *MemoryStore) Load(_ context.Context, governorID string) (model.GovernorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(governorID), nil
}

func (s *MemoryStore) Update(_ context.Context, governorID string, fn func(state *model.GovernorState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.get(governorID)
	if err := fn(&working); err != nil {
		return err
	}
	s.states[governorID] = working
	return nil
}

func (s *MemoryStore) get(governorID string) model.GovernorState {
	if st, ok := s.states[governorID]; ok {
		return st
	}
	return model.GovernorState{GovernorID: governorID, State: model.CycleStateIdle}
}
