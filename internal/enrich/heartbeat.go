package enrich

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/corpus-enricher/internal/store"
)

// startHeartbeat refreshes heartbeat_at and the progress payload of the batch
// every interval until the returned stop func is called. stop blocks until
// the goroutine has exited and is safe to call more than once.
func startHeartbeat(ctx context.Context, st Store, batchID string, every time.Duration, p *Progress) (stop func()) {
	if every <= 0 {
		return func() {}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case now := <-ticker.C:
				err := st.Heartbeat(hbCtx, batchID, p.heartbeat(now.UTC()))
				switch {
				case err == nil:
				case errors.Is(err, store.ErrNotProcessing):
					zap.L().Warn("enrich: heartbeat target no longer processing",
						zap.String("batch_id", batchID))
					return
				case hbCtx.Err() != nil:
					return
				default:
					zap.L().Warn("enrich: heartbeat failed",
						zap.String("batch_id", batchID), zap.Error(err))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}
