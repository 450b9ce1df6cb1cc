package gpu

import (
	"sync"
	"time"

	"github.com/spaghettifunk/chronicle/engine/core"
)

// CompletionWorker drains completed submissions of a set of queues on a
// fixed interval so command buffers return to the idle pool even when the
// producer is not calling ProcessCompleted.
type CompletionWorker struct {
	queues   []*CommandQueue
	interval time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewCompletionWorker(interval time.Duration, queues ...*CommandQueue) *CompletionWorker {
	if interval <= 0 {
		interval = time.Millisecond
	}
	w := &CompletionWorker{
		queues:   queues,
		interval: interval,
		stop:     make(chan struct{}),
	}
	w.start()
	return w
}

func (w *CompletionWorker) start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				for _, q := range w.queues {
					q.ProcessCompleted()
				}
			}
		}
	}()
	core.LogDebug("completion worker started with a %v interval", w.interval)
}

/**
 * @brief Stops the worker and waits for it to exit. Safe to call more than once.
 */
func (w *CompletionWorker) Stop() {
	w.once.Do(func() {
		close(w.stop)
	})
	w.wg.Wait()
}
