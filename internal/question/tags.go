package question

import (
	"context"
	"sync"
	"time"

	"github.com/peerprep/matching/internal/logger"
)

// DefaultRefreshInterval is used by Run when given a non-positive interval.
const DefaultRefreshInterval = 5 * time.Minute

// TagIndex caches the catalog's distinct tags for criteria validation. Until
// the first successful refresh every tag is accepted.
type TagIndex struct {
	catalog Catalog

	mu     sync.RWMutex
	tags   map[string]struct{}
	loaded bool
}

func NewTagIndex(catalog Catalog) *TagIndex {
	return &TagIndex{catalog: catalog}
}

// Known reports whether tag exists in the catalog.
func (ix *TagIndex) Known(tag string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.loaded {
		return true
	}
	_, ok := ix.tags[tag]
	return ok
}

// Refresh reloads the tag set. On error the previous set is kept.
func (ix *TagIndex) Refresh(ctx context.Context) error {
	tags, err := ix.catalog.Tags(ctx)
	if err != nil {
		return err
	}

	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}

	ix.mu.Lock()
	ix.tags = set
	ix.loaded = true
	ix.mu.Unlock()
	return nil
}

// Run refreshes the index every interval until ctx is cancelled.
func (ix *TagIndex) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ix.Refresh(ctx); err != nil {
				logger.Warn("tag index refresh failed", "component", "question", "error", err)
			}
		}
	}
}
