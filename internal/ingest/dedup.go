package ingest

import (
	"context"
	"fmt"
	"strings"
)

// Deduplicator answers whether a source URL already produced a live record.
// The check is advisory: it does not lock against a concurrent insert.
type Deduplicator struct {
	Store ContentStore
}

func (d Deduplicator) Exists(ctx context.Context, sourceURL string) (bool, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if sourceURL == "" {
		return false, nil
	}
	existing, err := d.Store.FindBySourceURL(ctx, sourceURL)
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return existing != nil, nil
}
