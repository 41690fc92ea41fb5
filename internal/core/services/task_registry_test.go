package services

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/probehub/backend/internal/domain"
)

func testEntry(id string) *TaskEntry {
	return newTaskEntry(id, &JobSpec{Kind: domain.JobKindDynamic}, time.Now())
}

func TestTaskRegistry_RegisterRejectsDuplicate(t *testing.T) {
	r := NewTaskRegistry()

	if err := r.Register("a", testEntry("a")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register("a", testEntry("a")); !errors.Is(err, ErrTaskAlreadyRunning) {
		t.Fatalf("Register() duplicate error = %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestTaskRegistry_ConcurrentRegisterOneWins(t *testing.T) {
	r := NewTaskRegistry()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Register("same", testEntry("same")) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d registrations won, want 1", wins)
	}
}

func TestTaskRegistry_UnregisterStaleIsNoop(t *testing.T) {
	r := NewTaskRegistry()
	old := testEntry("id")
	if err := r.Register("id", old); err != nil {
		t.Fatal(err)
	}
	if !r.Unregister("id", old) {
		t.Fatal("first Unregister() returned false")
	}
	if r.Unregister("id", old) {
		t.Fatal("second Unregister() returned true")
	}

	fresh := testEntry("id")
	if err := r.Register("id", fresh); err != nil {
		t.Fatal(err)
	}
	if r.Unregister("id", old) {
		t.Fatal("stale entry removed the reused id")
	}
	if got, err := r.Get("id"); err != nil || got != fresh {
		t.Fatalf("Get() = %v, %v; want fresh entry", got, err)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestTaskRegistry_CancelFlag(t *testing.T) {
	r := NewTaskRegistry()
	e := testEntry("c")
	if err := r.Register("c", e); err != nil {
		t.Fatal(err)
	}

	if r.IsCancelRequested("c") {
		t.Fatal("new entry has cancel flag set")
	}
	if err := r.SetCancelFlag("c", false); err != nil {
		t.Fatalf("clearing an unset flag = %v", err)
	}
	if err := r.SetCancelFlag("c", true); err != nil {
		t.Fatal(err)
	}
	if !r.IsCancelRequested("c") {
		t.Fatal("cancel flag not set")
	}

	select {
	case <-e.cancelCh:
	default:
		t.Fatal("cancel channel not closed")
	}
	if e.ctx.Err() == nil {
		t.Fatal("entry context not cancelled")
	}

	if err := r.SetCancelFlag("c", false); !errors.Is(err, ErrCancelIrreversible) {
		t.Errorf("SetCancelFlag(false) after cancel = %v, want ErrCancelIrreversible", err)
	}
	if !r.IsCancelRequested("c") {
		t.Error("cancel flag cleared")
	}
	if _, first, err := r.RequestCancel("c"); err != nil || first {
		t.Errorf("RequestCancel() again = first %v, err %v", first, err)
	}

	if err := r.SetCancelFlag("missing", true); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("SetCancelFlag(missing) = %v", err)
	}
	if r.IsCancelRequested("missing") {
		t.Error("unknown task reports cancel requested")
	}
}

func TestTaskEntry_SessionClosedBeforeAttach(t *testing.T) {
	e := testEntry("s")
	if !e.closeSession() {
		t.Fatal("first closeSession() returned false")
	}
	if e.closeSession() {
		t.Fatal("second closeSession() returned true")
	}
	if e.attachSession(&fakeConn{}, newFakeProcess()) {
		t.Fatal("attachSession() succeeded after close")
	}
}

func TestTaskHistory_Eviction(t *testing.T) {
	h := newTaskHistory(3)
	for i := 0; i < 5; i++ {
		h.Add(&domain.Task{ID: fmt.Sprintf("t%d", i)}, nil)
	}

	if _, ok := h.Get("t0"); ok {
		t.Error("oldest record not evicted")
	}
	list := h.List()
	if len(list) != 3 || list[0].ID != "t4" || list[2].ID != "t2" {
		t.Errorf("List() = %v", list)
	}

	h.Add(&domain.Task{ID: "t2", State: domain.TaskStateStopped}, []string{"x"})
	rec, ok := h.Get("t2")
	if !ok || rec.task.State != domain.TaskStateStopped || len(h.List()) != 3 {
		t.Errorf("re-adding t2 did not replace the record")
	}
}

func TestAtomicTaskState_Finish(t *testing.T) {
	s := domain.NewAtomicTaskState(domain.TaskStateRunning)
	if !s.Finish(domain.TaskStateCompleted) {
		t.Fatal("Finish() from running returned false")
	}
	if s.Finish(domain.TaskStateStopped) {
		t.Fatal("Finish() overwrote a terminal state")
	}
	if s.Load() != domain.TaskStateCompleted {
		t.Errorf("state = %s, want completed", s.Load())
	}
}
