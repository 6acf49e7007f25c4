package progress

import "context"

// Sink consumes batches of progress events. Implementations must honor ctx
// deadlines and may be invoked repeatedly.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it; Discard drops everything.
type Emitter interface {
	Emit(evt Event)
}

// Discard is an Emitter that drops events.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}
