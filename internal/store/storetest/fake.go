// Package storetest provides an in-memory store.Client for tests.
package storetest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/eargollo/lookalike/internal/errs"
	"github.com/eargollo/lookalike/internal/store"
)

// Fake serves a fixed set of pages. Page tokens are the decimal index of the
// next page. It is safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	Pages [][]store.Candidate
	Docs  map[string][]byte

	// FetchErrs fails FetchBytes for an id. ListErrs fails ListPage for a page
	// index. Entries are consumed when Once is set for that key.
	FetchErrs map[string]error
	ListErrs  map[int]error
	Once      map[string]bool

	ListCalls  int
	FetchCalls int
	Fetched    []string
}

// NewFake builds a Fake from pages, giving every candidate the body "doc:<id>".
func NewFake(pages ...[]store.Candidate) *Fake {
	f := &Fake{
		Pages:     pages,
		Docs:      make(map[string][]byte),
		FetchErrs: make(map[string]error),
		ListErrs:  make(map[int]error),
		Once:      make(map[string]bool),
	}
	for _, p := range pages {
		for _, c := range p {
			f.Docs[c.ID] = []byte("doc:" + c.ID)
		}
	}
	return f
}

// ListPage implements store.Client.
func (f *Fake) ListPage(ctx context.Context, pageToken string) (store.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++

	if err := ctx.Err(); err != nil {
		return store.Page{}, err
	}

	idx := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 || n >= len(f.Pages) {
			return store.Page{}, errs.Wrap("list", pageToken, errs.ErrTransient, fmt.Errorf("bad page token"))
		}
		idx = n
	}
	if err, ok := f.ListErrs[idx]; ok {
		if f.Once["list:"+strconv.Itoa(idx)] {
			delete(f.ListErrs, idx)
		}
		return store.Page{}, err
	}
	if len(f.Pages) == 0 {
		return store.Page{}, nil
	}

	page := store.Page{Candidates: append([]store.Candidate(nil), f.Pages[idx]...)}
	if idx+1 < len(f.Pages) {
		page.NextPageToken = strconv.Itoa(idx + 1)
	}
	return page, nil
}

// FetchBytes implements store.Client.
func (f *Fake) FetchBytes(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchCalls++
	f.Fetched = append(f.Fetched, id)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, ok := f.FetchErrs[id]; ok {
		if f.Once["fetch:"+id] {
			delete(f.FetchErrs, id)
		}
		return nil, err
	}
	b, ok := f.Docs[id]
	if !ok {
		return nil, errs.New("fetch", id, errs.ErrNotFound)
	}
	return append([]byte(nil), b...), nil
}

// Counts returns ListCalls and FetchCalls under the lock.
func (f *Fake) Counts() (list, fetch int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ListCalls, f.FetchCalls
}

// FetchedIDs returns a copy of the fetch log.
func (f *Fake) FetchedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Fetched...)
}
