package eventloop_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/meshcore/wishcore/internal/eventloop"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNotifyThenRunProcessesInFIFOOrder(t *testing.T) {
	t.Parallel()

	l := eventloop.New(nil)
	l.Notify(eventloop.Event{Tag: eventloop.NewData, Slot: 1})
	l.Notify(eventloop.Event{Tag: eventloop.NewData, Slot: 2})
	l.Notify(eventloop.Event{Tag: eventloop.RequestConnectionClosing, Slot: 1})

	var got []eventloop.Event
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		l.Run(ctx, func(ev eventloop.Event) {
			got = append(got, ev)
			if len(got) == 3 {
				cancel()
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("loop did not drain in time")
	}

	if len(got) != 3 {
		t.Fatalf("processed %d events, want 3", len(got))
	}
	if got[0].Slot != 1 || got[1].Slot != 2 || got[2].Tag != eventloop.RequestConnectionClosing {
		t.Fatalf("events out of FIFO order: %+v", got)
	}
}

func TestNotifyFromMultipleGoroutinesDoesNotRace(t *testing.T) {
	t.Parallel()

	l := eventloop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	count := 0
	done := make(chan struct{})
	go l.Run(ctx, func(ev eventloop.Event) {
		count++
		if count == 50 {
			close(done)
		}
	})

	for i := 0; i < 5; i++ {
		go func() {
			for j := 0; j < 10; j++ {
				l.Notify(eventloop.Event{Tag: eventloop.Continue})
			}
		}()
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("did not observe 50 events in time")
	}
}
