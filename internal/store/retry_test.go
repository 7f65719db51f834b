package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eargollo/lookalike/internal/errs"
	"github.com/eargollo/lookalike/internal/store"
	"github.com/eargollo/lookalike/internal/store/storetest"
)

func retrying(c store.Client, n int) *store.Retrying {
	return &store.Retrying{Client: c, MaxRetries: n, BaseDelay: time.Millisecond}
}

func TestRetryingRecoversFromTransientFetch(t *testing.T) {
	fake := storetest.NewFake([]store.Candidate{{ID: "a", Name: "a.pdf"}})
	fake.FetchErrs["a"] = errs.New("fetch", "a", errs.ErrTransient)
	fake.Once["fetch:a"] = true

	got, err := retrying(fake, 3).FetchBytes(context.Background(), "a")
	if err != nil {
		t.Fatalf("FetchBytes: %v", err)
	}
	if string(got) != "doc:a" {
		t.Errorf("body: got %q", got)
	}
	if _, fetches := fake.Counts(); fetches != 2 {
		t.Errorf("fetch calls: got %d, want 2", fetches)
	}
}

func TestRetryingGivesUpAfterMaxRetries(t *testing.T) {
	fake := storetest.NewFake([]store.Candidate{{ID: "a"}})
	fake.FetchErrs["a"] = errs.New("fetch", "a", errs.ErrTransient)

	_, err := retrying(fake, 2).FetchBytes(context.Background(), "a")
	if !errors.Is(err, errs.ErrTransient) {
		t.Fatalf("got %v, want ErrTransient", err)
	}
	if _, fetches := fake.Counts(); fetches != 3 {
		t.Errorf("fetch calls: got %d, want 3 (1 + 2 retries)", fetches)
	}
}

func TestRetryingDoesNotRetryPermanentErrors(t *testing.T) {
	for name, sentinel := range map[string]error{
		"auth":      errs.ErrAuth,
		"not found": errs.ErrNotFound,
	} {
		t.Run(name, func(t *testing.T) {
			fake := storetest.NewFake([]store.Candidate{{ID: "a"}})
			fake.ListErrs[0] = errs.New("list", "", sentinel)

			_, err := retrying(fake, 5).ListPage(context.Background(), "")
			if !errors.Is(err, sentinel) {
				t.Fatalf("got %v, want %v", err, sentinel)
			}
			if lists, _ := fake.Counts(); lists != 1 {
				t.Errorf("list calls: got %d, want 1", lists)
			}
		})
	}
}

func TestWithRetriesZeroIsPassthrough(t *testing.T) {
	fake := storetest.NewFake()
	if got := store.WithRetries(fake, 0); got != store.Client(fake) {
		t.Error("expected the original client for maxRetries=0")
	}
}
