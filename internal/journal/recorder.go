package journal

import (
	"context"
	"log"

	"github.com/aristath/conductor/internal/events"
)

// Recorder drains a bus subscription into the journal. One goroutine per
// run; a failed insert is logged and skipped, never retried, because the
// journal is observability rather than state.
type Recorder struct {
	journal *Journal
	runID   string
	events  <-chan events.Event
	done    chan struct{}
}

// NewRecorder creates a recorder for one run. ch is typically
// bus.SubscribeAll with a buffer sized for bursts; the recorder reads
// until the channel closes or ctx is cancelled.
func NewRecorder(j *Journal, runID string, ch <-chan events.Event) *Recorder {
	return &Recorder{
		journal: j,
		runID:   runID,
		events:  ch,
		done:    make(chan struct{}),
	}
}

// Start launches the drain goroutine.
func (r *Recorder) Start(ctx context.Context) {
	go r.drain(ctx)
}

func (r *Recorder) drain(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			// Flush whatever is already buffered before leaving.
			for {
				select {
				case e, ok := <-r.events:
					if !ok {
						return
					}
					r.append(ctx, e)
				default:
					return
				}
			}
		case e, ok := <-r.events:
			if !ok {
				return
			}
			r.append(ctx, e)
		}
	}
}

func (r *Recorder) append(ctx context.Context, e events.Event) {
	if err := r.journal.AppendEvent(context.WithoutCancel(ctx), r.runID, e); err != nil {
		log.Printf("WARNING: journal append failed: %v", err)
	}
}

// Wait blocks until the drain goroutine has exited: the subscription
// channel closed (bus shut down) or the context was cancelled.
func (r *Recorder) Wait() {
	<-r.done
}
