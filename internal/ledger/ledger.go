// Package ledger holds the matches discovered by the current scan.
package ledger

import (
	"errors"
	"sync"
)

// ErrDuplicate is returned by Add when the id is already present.
var ErrDuplicate = errors.New("ledger: duplicate id")

// Record is one match. Records are immutable once added.
type Record struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Distance    int    `json:"distance"`
	PreviewPath string `json:"preview_path"`
}

// Ledger is an insertion-ordered set of records keyed by id. The scan
// pipeline is its only writer; readers get copies.
type Ledger struct {
	mu      sync.RWMutex
	records []Record
	index   map[string]int
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{index: make(map[string]int)}
}

// Clear drops every record.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
	l.index = make(map[string]int)
}

// Add appends r. It returns ErrDuplicate and leaves the ledger unchanged if
// r.ID is already present.
func (l *Ledger) Add(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[r.ID]; ok {
		return ErrDuplicate
	}
	l.index[r.ID] = len(l.records)
	l.records = append(l.records, r)
	return nil
}

// All returns a snapshot in insertion order.
func (l *Ledger) All() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Get looks up a record by id.
func (l *Ledger) Get(id string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[id]
	if !ok {
		return Record{}, false
	}
	return l.records[i], true
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
