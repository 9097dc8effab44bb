package jobs

import (
	"context"
	"log"
	"time"

	"github.com/emmecoopconsulting-arch/RegNidoV2/internal/store"
)

// StartRetentionJob periodically purges confirmed events older than the
// retention window. Confirmed rows are immutable, so unbounded retention
// would only grow local storage.
func StartRetentionJob(ctx context.Context, eventStore *store.Store, window, interval time.Duration) {
	if window <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-window)
				purged, err := eventStore.PurgeConfirmed(cutoff)
				if err != nil {
					log.Printf("retention job error: %v", err)
					continue
				}
				if purged > 0 {
					log.Printf("retention job purged %d confirmed events", purged)
				}
			}
		}
	}()
}
