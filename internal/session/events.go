package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/eargollo/lookalike/internal/errs"
	"github.com/eargollo/lookalike/internal/ledger"
	"github.com/eargollo/lookalike/internal/retrieve"
	"github.com/eargollo/lookalike/internal/scan"
)

// Event types.
const (
	EventMatch    = "match"
	EventProgress = "progress"
	EventComplete = "complete"
	EventError    = "error"
	EventDownload = "download"
)

// Event is one notification for subscribers. Data is one of ledger.Record,
// scan.Summary, ErrorEvent or DownloadEvent.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ErrorEvent reports a fatal scan error.
type ErrorEvent struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

// DownloadEvent reports progress of the active download. Finished is set on
// the last event, which carries no Outcome.
type DownloadEvent struct {
	Done     int               `json:"done"`
	Total    int               `json:"total"`
	Outcome  *retrieve.Outcome `json:"outcome,omitempty"`
	Finished bool              `json:"finished"`
}

const subscriberBuffer = 256

// slowSubscriberWait is how long publish waits on a full subscriber before
// disconnecting it.
const slowSubscriberWait = 2 * time.Second

// broadcaster fans events out to subscribers. Progress events are dropped for
// a subscriber whose buffer is full. Any other event waits up to wait for
// room; a subscriber that stays full is disconnected (its channel closed), so
// it never misses a match without noticing.
type broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
	wait time.Duration
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[chan Event]struct{}), wait: slowSubscriberWait}
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		if ev.Type == EventProgress {
			slog.Debug("progress event dropped for slow subscriber")
			continue
		}

		t := time.NewTimer(b.wait)
		select {
		case ch <- ev:
			t.Stop()
		case <-t.C:
			slog.Warn("disconnecting slow event subscriber", "type", ev.Type)
			delete(b.subs, ch)
			close(ch)
		}
	}
}

// closeAll ends every subscription.
func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

// scanEvents adapts the broadcaster to scan.Observer.
type scanEvents struct{ b *broadcaster }

func (e scanEvents) OnMatch(rec ledger.Record) {
	e.b.publish(Event{Type: EventMatch, Data: rec})
}

func (e scanEvents) OnProgress(sum scan.Summary) {
	e.b.publish(Event{Type: EventProgress, Data: sum})
}

func (e scanEvents) OnComplete(sum scan.Summary) {
	e.b.publish(Event{Type: EventComplete, Data: sum})
}

func (e scanEvents) OnError(kind errs.Kind, message string) {
	e.b.publish(Event{Type: EventError, Data: ErrorEvent{Kind: kind, Message: message}})
}
