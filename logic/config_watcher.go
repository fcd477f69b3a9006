package logic

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// WatchConfig polls the settings revision and reloads the store when another process
// changed the database. Subscribers of the store are notified by the reload.
func WatchConfig(ctx context.Context, store *Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := store.Reload()
			if err != nil {
				logrus.WithField("label", "config").Errorf("Error checking config change: %v", err)
				continue
			}
			if changed {
				logrus.WithField("label", "config").Info("Config has changed.")
			}
		}
	}
}
