package dispatch

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/holon-run/agentrelay/pkg/event"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (r *recorder) Deliver(ev event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func logEv(run string) event.Event {
	return event.Log{Stream: event.Stdout, Text: "x\n"}.WithHeader(event.Header{RunID: run})
}

func TestDispatchOnlyToOwningEndpoint(t *testing.T) {
	d := New()
	a, b := &recorder{}, &recorder{}
	d.Connect("a", a)
	d.Connect("b", b)

	if got := d.Dispatch("a", logEv("r1")); got != Delivered {
		t.Fatalf("Dispatch() = %v, want delivered", got)
	}
	if a.len() != 1 || b.len() != 0 {
		t.Fatalf("a got %d, b got %d; want 1 and 0", a.len(), b.len())
	}
}

func TestDispatchUnknownEndpoint(t *testing.T) {
	d := New()
	if got := d.Dispatch("ghost", logEv("r1")); got != Dropped {
		t.Fatalf("Dispatch() = %v, want dropped", got)
	}
	stats := d.Stats()
	if len(stats) != 1 || stats[0].Dropped != 1 || stats[0].Connected {
		t.Fatalf("Stats() = %+v", stats)
	}
}

func TestFailingSinkIsDisconnected(t *testing.T) {
	d := New()
	r := &recorder{err: errors.New("socket closed")}
	d.Connect("a", r)

	if got := d.Dispatch("a", logEv("r1")); got != Dropped {
		t.Fatalf("Dispatch() = %v, want dropped", got)
	}
	if d.Connected("a") {
		t.Fatal("failing sink should be disconnected")
	}
	// the run keeps going; later events are dropped quietly
	if got := d.Dispatch("a", logEv("r1")); got != Dropped {
		t.Fatalf("Dispatch() after disconnect = %v", got)
	}
}

func TestStaleDisconnectKeepsNewSink(t *testing.T) {
	d := New()
	oldDisconnect := d.Connect("a", &recorder{})
	fresh := &recorder{}
	d.Connect("a", fresh)

	oldDisconnect()
	if !d.Connected("a") {
		t.Fatal("stale disconnect removed the replacement sink")
	}
	d.Dispatch("a", logEv("r1"))
	if fresh.len() != 1 {
		t.Fatalf("replacement sink got %d events", fresh.len())
	}
}

func TestTapSeesEverything(t *testing.T) {
	d := New()
	tap := &recorder{}
	d.Tap(tap)
	d.Tap(SinkFunc(func(event.Event) error { return errors.New("ignored") }))
	d.Connect("a", &recorder{})

	d.Dispatch("a", logEv("r1"))
	d.Dispatch("nobody", logEv("r2"))
	if tap.len() != 2 {
		t.Fatalf("tap got %d events, want 2", tap.len())
	}
}

func TestStatsCounts(t *testing.T) {
	d := New()
	disconnect := d.Connect("a", &recorder{})
	d.Dispatch("a", logEv("r"))
	d.Dispatch("a", logEv("r"))
	disconnect()
	d.Dispatch("a", logEv("r"))

	stats := d.Stats()
	if len(stats) != 1 {
		t.Fatalf("Stats() = %+v", stats)
	}
	if s := stats[0]; s.Delivered != 2 || s.Dropped != 1 || s.Connected {
		t.Fatalf("Stats()[0] = %+v", s)
	}
}

func TestConcurrentDispatch(t *testing.T) {
	d := New()
	r := &recorder{}
	d.Connect("a", r)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				d.Dispatch("a", logEv("r"))
			}
		}()
	}
	wg.Wait()
	if r.len() != 800 {
		t.Fatalf("delivered %d, want 800", r.len())
	}
}

func TestStatsForgetsLongestIdleEndpoints(t *testing.T) {
	d := New()
	d.SetIdleStatsLimit(2)
	live := &recorder{}
	d.Connect("live", live)

	for _, id := range []string{"e1", "e2", "e3", "e4"} {
		disconnect := d.Connect(id, &recorder{})
		d.Dispatch(id, logEv("r"))
		disconnect()
	}
	for i := 0; i < 100; i++ {
		d.Dispatch(fmt.Sprintf("ghost-%d", i), logEv("r"))
	}
	d.Dispatch("live", logEv("r"))

	stats := d.Stats()
	var names []string
	for _, s := range stats {
		names = append(names, s.Endpoint)
	}
	want := []string{"ghost-98", "ghost-99", "live"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("Stats() endpoints = %v, want %v", names, want)
	}
	if s := stats[2]; !s.Connected || s.Delivered != 1 {
		t.Fatalf("Stats() live = %+v", s)
	}
}

func TestReconnectKeepsCounters(t *testing.T) {
	d := New()
	d.SetIdleStatsLimit(1)
	disconnect := d.Connect("a", &recorder{})
	d.Dispatch("a", logEv("r"))
	disconnect()
	d.Connect("a", &recorder{})
	d.Dispatch("a", logEv("r"))

	// a is connected again so it no longer counts against the idle limit
	d.Dispatch("ghost", logEv("r"))

	stats := d.Stats()
	if len(stats) != 2 {
		t.Fatalf("Stats() = %+v", stats)
	}
	if s := stats[0]; s.Endpoint != "a" || !s.Connected || s.Delivered != 2 {
		t.Fatalf("Stats()[0] = %+v", s)
	}
}

func TestIdleStatsLimitZero(t *testing.T) {
	d := New()
	d.SetIdleStatsLimit(0)
	disconnect := d.Connect("a", &recorder{})
	d.Dispatch("a", logEv("r"))
	d.Dispatch("ghost", logEv("r"))
	if got := len(d.Stats()); got != 1 {
		t.Fatalf("len(Stats()) = %d, want 1", got)
	}
	disconnect()
	if got := d.Stats(); len(got) != 0 {
		t.Fatalf("Stats() = %+v, want none", got)
	}
}
