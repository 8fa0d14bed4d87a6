package stream

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// Observer consumes values pushed by an Observable.
//
// OnError and OnComplete are terminal: after either has been called the
// Observer receives no further notifications from that subscription.
type Observer[T any] interface {
	// OnNext delivers the next value.
	OnNext(value T)
	// OnError terminates the stream with an error.
	OnError(err error)
	// OnComplete terminates the stream normally.
	OnComplete()
}

// Observable is a push-based source of values.
type Observable[T any] interface {
	// Subscribe attaches an Observer and returns a handle that detaches it.
	// Depending on the source, Subscribe may deliver values synchronously
	// before it returns (snapshot replay).
	Subscribe(observer Observer[T]) Subscription
}

// Subscription is the disposable handle returned by Subscribe.
type Subscription interface {
	// Dispose detaches the Observer. Disposing is idempotent and safe to
	// call concurrently with ongoing delivery: once Dispose returns, the
	// Observer receives no further notifications.
	Dispose()
	// Disposed reports whether Dispose has been called.
	Disposed() bool
}

// ObservableFunc adapts a subscribe function to the Observable interface.
// It is the usual way a pipeline stage exposes its output: each call builds
// a fresh, independently owned state machine for the new subscriber.
type ObservableFunc[T any] func(observer Observer[T]) Subscription

// Subscribe implements Observable.
func (f ObservableFunc[T]) Subscribe(observer Observer[T]) Subscription {
	return f(observer)
}
