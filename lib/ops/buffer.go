package ops

import (
	"sync"
	"sync/atomic"

	"github.com/rkvlib/rkv/lib/changeset"
	"github.com/rkvlib/rkv/lib/store"
	"github.com/rkvlib/rkv/lib/stream"
)

// --------------------------------------------------------------------------
// Buffered Operator
// --------------------------------------------------------------------------

// Buffered decouples upstream publication from downstream consumption: sets
// are queued through a lock-free MPSC queue and delivered by a dedicated
// consumer goroutine, so a slow subscriber never blocks the edit that
// produced a set. Sets stay intact and are delivered in publication order.
type Buffered[K comparable, V any] struct {
	upstream store.Source[K, V]
}

// NewBuffered creates a Buffered stage over upstream.
func NewBuffered[K comparable, V any](upstream store.Source[K, V]) *Buffered[K, V] {
	return &Buffered[K, V]{upstream: upstream}
}

// Connect implements store.Source. The snapshot replay is queued like any
// other set, so the subscriber still observes replay-then-live order.
func (b *Buffered[K, V]) Connect() stream.Observable[changeset.Set[K, V]] {
	return stream.ObservableFunc[changeset.Set[K, V]](func(observer stream.Observer[changeset.Set[K, V]]) stream.Subscription {
		q := stream.NewMPSC[changeset.Set[K, V]]()

		var (
			disposed atomic.Bool
			errMu    sync.Mutex
			termErr  error
		)

		upSub := b.upstream.Connect().Subscribe(&stream.Callbacks[changeset.Set[K, V]]{
			Next: func(set changeset.Set[K, V]) {
				q.Push(set)
			},
			Error: func(err error) {
				errMu.Lock()
				termErr = err
				errMu.Unlock()
				q.Close()
			},
			Complete: func() {
				q.Close()
			},
		})

		go func() {
			for set := range q.Recv() {
				if disposed.Load() {
					continue
				}
				observer.OnNext(set)
			}
			if disposed.Load() {
				return
			}
			errMu.Lock()
			err := termErr
			errMu.Unlock()
			if err != nil {
				observer.OnError(err)
			} else {
				observer.OnComplete()
			}
		}()

		return stream.NewSubscription(func() {
			disposed.Store(true)
			upSub.Dispose()
			q.Close()
		})
	})
}
