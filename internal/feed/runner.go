package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Run catches up with the existing feed, then tails the segment
// directory until ctx is cancelled. New data is picked up from file
// notifications, with a poll ticker as a backstop for editors and
// filesystems that do not deliver them.
func (f *Feed) Run(ctx context.Context) error {
	if err := f.CatchUp(); err != nil {
		return fmt.Errorf("initial catch-up: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(f.dir); err != nil {
		return fmt.Errorf("watch %s: %w", f.dir, err)
	}

	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()

	// Notifications are a wake-up, not a unit of work: every pass
	// re-scans from the cursor, so coalesced or dropped events cost
	// latency, never data.
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".jsonl") {
				continue
			}
			if err := f.CatchUp(); err != nil {
				f.log.Error("catch-up failed", "error", err)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			f.countScanError()
			f.log.Warn("watcher error", "error", err)

		case <-ticker.C:
			if err := f.CatchUp(); err != nil {
				f.log.Error("catch-up failed", "error", err)
			}
		}
	}
}
