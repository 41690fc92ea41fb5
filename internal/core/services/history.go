package services

import (
	"sync"

	"github.com/probehub/backend/internal/domain"
)

const defaultHistorySize = 256

type historyRecord struct {
	task       *domain.Task
	transcript []string
}

// taskHistory keeps final snapshots and transcripts of released tasks,
// evicting the oldest beyond max.
type taskHistory struct {
	mu    sync.RWMutex
	max   int
	order []string
	items map[string]*historyRecord
}

func newTaskHistory(max int) *taskHistory {
	if max <= 0 {
		max = defaultHistorySize
	}
	return &taskHistory{
		max:   max,
		items: make(map[string]*historyRecord),
	}
}

func (h *taskHistory) Add(task *domain.Task, transcript []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.items[task.ID]; exists {
		h.removeLocked(task.ID)
	}
	h.items[task.ID] = &historyRecord{task: task, transcript: transcript}
	h.order = append(h.order, task.ID)

	for len(h.order) > h.max {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.items, oldest)
	}
}

func (h *taskHistory) removeLocked(id string) {
	delete(h.items, id)
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			return
		}
	}
}

func (h *taskHistory) Get(id string) (*historyRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rec, ok := h.items[id]
	return rec, ok
}

// List returns snapshots, newest first.
func (h *taskHistory) List() []*domain.Task {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*domain.Task, 0, len(h.order))
	for i := len(h.order) - 1; i >= 0; i-- {
		taskCopy := *h.items[h.order[i]].task
		out = append(out, &taskCopy)
	}
	return out
}
