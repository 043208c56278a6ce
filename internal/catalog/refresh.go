package catalog

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// StartRefreshLoop reloads the catalog's seed file every interval until ctx
// is canceled. interval <= 0 disables periodic refresh (the operator
// populates the catalog out of band and restarts the process to pick up
// changes).
func (c *Catalog) StartRefreshLoop(ctx context.Context, interval time.Duration, log zerolog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Reload(); err != nil {
					log.Warn().Err(err).Msg("catalog.reload_failed")
				}
			}
		}
	}()
}
