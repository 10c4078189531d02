package store

import (
	"fmt"
	"sync"
)

type ChangeKind int

const (
	ChangeCreated ChangeKind = iota
	ChangeUpdated
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change describes one write to the store.
type Change struct {
	Kind ChangeKind
	Ref  Ref
}

// Notifier fans out store changes to subscribers from a single dispatch
// goroutine, so subscribers observe changes in write order. Enqueueing
// never blocks, which allows the store to publish changes while holding
// its own write lock without risking a deadlock against subscribers that
// read back from the store.
type Notifier struct {
	mu      sync.Mutex
	started bool
	pending []Change
	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	nextID  int
	subs    map[int]func(Change)
	keySubs map[Ref]map[int]func(Change)
}

func NewNotifier() *Notifier {
	return &Notifier{
		wake:    make(chan struct{}, 1),
		subs:    map[int]func(Change){},
		keySubs: map[Ref]map[int]func(Change){},
	}
}

func (n *Notifier) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return fmt.Errorf("already started")
	}

	n.started = true
	n.stop = make(chan struct{})
	n.stopped = make(chan struct{})

	go n.run()

	return nil
}

func (n *Notifier) Stop() error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}

	n.started = false
	stop := n.stop
	stopped := n.stopped
	n.mu.Unlock()

	close(stop)

	// blocking read until the dispatcher has drained and exited
	<-stopped

	return nil
}

func (n *Notifier) run() {
	defer close(n.stopped)

	for {
		select {
		case <-n.wake:
			n.dispatch()
		case <-n.stop:
			n.dispatch()
			return
		}
	}
}

func (n *Notifier) dispatch() {
	for {
		n.mu.Lock()
		if len(n.pending) == 0 {
			n.mu.Unlock()
			return
		}

		changes := n.pending
		n.pending = nil
		n.mu.Unlock()

		for _, c := range changes {
			for _, fn := range n.callbacks(c) {
				fn(c)
			}
		}
	}
}

func (n *Notifier) callbacks(c Change) []func(Change) {
	n.mu.Lock()
	defer n.mu.Unlock()

	callbacks := make([]func(Change), 0, len(n.subs))
	for _, fn := range n.subs {
		callbacks = append(callbacks, fn)
	}
	for _, fn := range n.keySubs[c.Ref] {
		callbacks = append(callbacks, fn)
	}

	return callbacks
}

// Subscribe registers a callback for every store change. The returned
// function cancels the subscription.
func (n *Notifier) Subscribe(fn func(Change)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.subs[id] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

// SubscribeTo registers a callback for changes to a single (type,id).
func (n *Notifier) SubscribeTo(ref Ref, fn func(Change)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++

	subs, ok := n.keySubs[ref]
	if !ok {
		subs = map[int]func(Change){}
		n.keySubs[ref] = subs
	}
	subs[id] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()

		delete(n.keySubs[ref], id)
		if len(n.keySubs[ref]) == 0 {
			delete(n.keySubs, ref)
		}
	}
}

func (n *Notifier) enqueue(c Change) {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	n.pending = append(n.pending, c)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}
