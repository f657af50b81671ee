package progress

import "context"

// Sink consumes batches of progress events. Consume may be called repeatedly
// and must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it; Discard drops them.
type Emitter interface {
	Emit(evt Event)
}

// Discard is an Emitter that ignores every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}
