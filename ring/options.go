package ring

import "go.uber.org/zap"

// Options configures a call to Open. The zero value is a usable default: no
// logging, no lag notifications. Retention is configured separately via
// SetMaxQpages (spec §6), not through Options, since it is a property of the
// directory shared by every handle rather than of one Open call.
type Options struct {
	// Logger receives diagnostic events: rollover, page reclamation,
	// writer-counter back-off, and receiver lag. Nothing on the hot path
	// (Sender.Push / Receiver.Pop's common case) logs. A nil Logger is
	// treated as zap.NewNop().
	Logger *zap.Logger

	// OnLag, if set, is invoked from the receiver's page-advance step
	// whenever retention has forced it to skip one or more pages that were
	// reclaimed before it could read them. The argument is the number of
	// whole pages skipped. See spec §7's "optional 'lagged' callback".
	OnLag func(skippedPages uint64)
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}
