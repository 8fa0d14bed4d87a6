package stream

import "sync"

// --------------------------------------------------------------------------
// Observer Adapters
// --------------------------------------------------------------------------

// Callbacks adapts up to three callbacks to the Observer interface.
// Nil callbacks are ignored.
type Callbacks[T any] struct {
	Next     func(value T)
	Error    func(err error)
	Complete func()
}

func (c *Callbacks[T]) OnNext(value T) {
	if c.Next != nil {
		c.Next(value)
	}
}

func (c *Callbacks[T]) OnError(err error) {
	if c.Error != nil {
		c.Error(err)
	}
}

func (c *Callbacks[T]) OnComplete() {
	if c.Complete != nil {
		c.Complete()
	}
}

// OnNext subscribes to an Observable with a value callback only.
// Errors and completion are silently dropped.
func OnNext[T any](source Observable[T], next func(value T)) Subscription {
	return source.Subscribe(&Callbacks[T]{Next: next})
}

// --------------------------------------------------------------------------
// Subscription Implementations
// --------------------------------------------------------------------------

// NewSubscription returns a Subscription that runs onDispose exactly once,
// no matter how many goroutines race on Dispose.
func NewSubscription(onDispose func()) Subscription {
	return &funcSubscription{onDispose: onDispose}
}

type funcSubscription struct {
	once      sync.Once
	mu        sync.Mutex
	onDispose func()
	done      bool
}

func (s *funcSubscription) Dispose() {
	s.once.Do(func() {
		s.mu.Lock()
		s.done = true
		fn := s.onDispose
		s.onDispose = nil
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (s *funcSubscription) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// CompositeSubscription groups several subscriptions so they are disposed
// together. Further Add calls after Dispose dispose the argument immediately.
type CompositeSubscription struct {
	mu       sync.Mutex
	children []Subscription
	disposed bool
}

// Add attaches a child subscription.
func (c *CompositeSubscription) Add(sub Subscription) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		sub.Dispose()
		return
	}
	c.children = append(c.children, sub)
	c.mu.Unlock()
}

// Dispose disposes every attached child, in attach order.
func (c *CompositeSubscription) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	children := c.children
	c.children = nil
	c.mu.Unlock()

	for _, sub := range children {
		sub.Dispose()
	}
}

// Disposed reports whether Dispose has been called.
func (c *CompositeSubscription) Disposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// Completed returns an Observable that immediately completes every
// subscriber. It is what a disposed source hands out instead of a live
// stream.
func Completed[T any]() Observable[T] {
	return ObservableFunc[T](func(observer Observer[T]) Subscription {
		observer.OnComplete()
		return NewSubscription(nil)
	})
}
