package logstream

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/probehub/backend/internal/domain"
)

func drain(t *testing.T, s *Subscriber, perEvent time.Duration) []domain.LogEvent {
	t.Helper()
	var out []domain.LogEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
			time.Sleep(perEvent)
		case <-timeout:
			t.Fatalf("events not closed, got %d", len(out))
		}
	}
}

func TestSubscriber_DeliverInOrder(t *testing.T) {
	s := NewSubscriber("t1", 4, 0)

	for _, data := range []string{"a", "b", "c"} {
		if !s.Deliver(domain.LogEvent{Type: domain.LogEventLog, Data: data}) {
			t.Fatalf("Deliver(%q) returned false", data)
		}
	}
	s.Complete(domain.LogEvent{Type: domain.LogEventCompleted})

	got := drain(t, s, 0)
	if len(got) != 4 || got[0].Data != "a" || got[2].Data != "c" || got[3].Type != domain.LogEventCompleted {
		t.Errorf("got %+v", got)
	}
	if s.Deliver(domain.LogEvent{Type: domain.LogEventLog, Data: "late"}) {
		t.Error("Deliver after Complete should fail")
	}
}

func TestSubscriber_SlowReaderKeepsEverything(t *testing.T) {
	s := NewSubscriber("t1", 4, 0)

	var want []string
	for i := 0; i < 200; i++ {
		line := fmt.Sprintf("APP行为：获取设备信息 %d", i)
		want = append(want, line)
		if !s.Deliver(domain.LogEvent{Type: domain.LogEventLog, Data: line}) {
			t.Fatalf("Deliver(%d) returned false", i)
		}
	}
	s.Complete(domain.LogEvent{Type: domain.LogEventCompleted, State: "completed"})

	if s.Pending() > 6 {
		t.Errorf("pending = %d, want coalesced queue", s.Pending())
	}

	got := drain(t, s, time.Millisecond)
	if len(got) == 0 {
		t.Fatal("no events")
	}
	last := got[len(got)-1]
	if last.Type != domain.LogEventCompleted || last.State != "completed" {
		t.Fatalf("last event = %+v, want completed", last)
	}

	var lines []string
	for _, ev := range got[:len(got)-1] {
		if ev.Type != domain.LogEventLog {
			t.Fatalf("unexpected event %+v", ev)
		}
		lines = append(lines, strings.Split(ev.Data, "\n")...)
	}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("got %d lines, want %d in order", len(lines), len(want))
	}
}

func TestSubscriber_CloseDropsQueue(t *testing.T) {
	s := NewSubscriber("t1", 2, 0)
	s.Deliver(domain.LogEvent{Type: domain.LogEventLog, Data: "1"})
	s.Deliver(domain.LogEvent{Type: domain.LogEventLog, Data: "2"})
	s.Close()

	if !s.Closed() {
		t.Fatal("subscriber not closed")
	}
	if s.Deliver(domain.LogEvent{Type: domain.LogEventLog, Data: "3"}) {
		t.Fatal("Deliver after Close should fail")
	}
	if got := drain(t, s, 0); len(got) > 1 {
		t.Errorf("closed subscriber still delivered %d events", len(got))
	}
}

func TestSubscriber_IdleTimeout(t *testing.T) {
	s := NewSubscriber("t1", 4, 30*time.Millisecond)

	select {
	case _, ok := <-s.Events():
		if ok {
			t.Fatal("unexpected event")
		}
	case <-time.After(time.Second):
		t.Fatal("idle subscriber was not closed")
	}
}

func TestSubscriber_CloseIdempotent(t *testing.T) {
	s := NewSubscriber("t1", 1, time.Minute)
	s.Close()
	s.Close()
}
