package scan

import (
	"context"
	"log/slog"

	"github.com/eargollo/lookalike/internal/store"
)

// Enumerate walks every page of client in order and sends each candidate to
// out, skipping ids it has already sent. It closes out when done and returns
// the listing error, if any. Each page is requested only after every
// candidate of the previous page has been handed to out.
func Enumerate(ctx context.Context, client store.Client, progress *Progress, out chan<- store.Candidate) error {
	defer close(out)

	seen := make(map[string]struct{})
	token := ""
	for {
		page, err := client.ListPage(ctx, token)
		if err != nil {
			return err
		}
		progress.PagesListed.Add(1)

		for _, c := range page.Candidates {
			if _, dup := seen[c.ID]; dup {
				// The collection changed under us and the id moved pages.
				slog.Debug("enumerate: duplicate candidate skipped", "id", c.ID)
				continue
			}
			seen[c.ID] = struct{}{}

			select {
			case out <- c:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if page.NextPageToken == "" {
			return nil
		}
		token = page.NextPageToken
	}
}
