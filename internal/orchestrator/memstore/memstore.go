// Package memstore is an in-process orchestrator.Store for tests and local
// mode.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/dagflow/internal/domain"
	"github.com/animus-labs/dagflow/internal/orchestrator"
	"github.com/animus-labs/dagflow/internal/orchestrator/query"
)

type execution struct {
	info   orchestrator.ExecutionInfo
	events []orchestrator.Event
}

type Store struct {
	mu    sync.RWMutex
	execs map[string]*execution
}

func New() *Store {
	return &Store{execs: map[string]*execution{}}
}

func (s *Store) CreateExecution(_ context.Context, info orchestrator.ExecutionInfo) error {
	runID := strings.TrimSpace(info.RunID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.execs[runID]; exists {
		return fmt.Errorf("%w: run %s exists", orchestrator.ErrConflict, runID)
	}
	info.StartTime = info.StartTime.UTC()
	s.execs[runID] = &execution{info: cloneInfo(info)}
	return nil
}

func (s *Store) AppendEvent(_ context.Context, ev orchestrator.Event) (orchestrator.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[ev.RunID]
	if !ok {
		return orchestrator.Event{}, fmt.Errorf("%w: %s", orchestrator.ErrNotFound, ev.RunID)
	}
	ev.ID = int64(len(exec.events)) + 1
	ev.Payload = append([]byte(nil), ev.Payload...)
	exec.events = append(exec.events, ev)
	return ev, nil
}

func (s *Store) CloseExecution(_ context.Context, runID string, status domain.ExecutionStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", orchestrator.ErrNotFound, runID)
	}
	closed := at.UTC()
	exec.info.CloseTime = &closed
	exec.info.SearchAttributes[orchestrator.AttrExecutionStatus] = string(status)
	return nil
}

func (s *Store) GetExecution(_ context.Context, runID string) (orchestrator.ExecutionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.execs[runID]
	if !ok {
		return orchestrator.ExecutionInfo{}, fmt.Errorf("%w: %s", orchestrator.ErrNotFound, runID)
	}
	return cloneInfo(exec.info), nil
}

func (s *Store) ListExecutions(_ context.Context, filter query.Expr, after *orchestrator.Cursor, limit int) ([]orchestrator.ExecutionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]orchestrator.ExecutionInfo, 0, len(s.execs))
	for _, exec := range s.execs {
		if !query.Matches(filter, exec.info.SearchAttributes) {
			continue
		}
		if after != nil && !after.Admits(exec.info) {
			continue
		}
		matched = append(matched, cloneInfo(exec.info))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartTime.Equal(matched[j].StartTime) {
			return matched[i].StartTime.After(matched[j].StartTime)
		}
		return matched[i].RunID > matched[j].RunID
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Store) CountExecutions(_ context.Context, filter query.Expr) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, exec := range s.execs {
		if query.Matches(filter, exec.info.SearchAttributes) {
			n++
		}
	}
	return n, nil
}

func (s *Store) Events(_ context.Context, runID string) ([]orchestrator.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.execs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrNotFound, runID)
	}
	return append([]orchestrator.Event(nil), exec.events...), nil
}

func cloneInfo(info orchestrator.ExecutionInfo) orchestrator.ExecutionInfo {
	out := info
	out.SearchAttributes = make(map[string]string, len(info.SearchAttributes))
	for k, v := range info.SearchAttributes {
		out.SearchAttributes[k] = v
	}
	if info.CloseTime != nil {
		closed := *info.CloseTime
		out.CloseTime = &closed
	}
	return out
}
