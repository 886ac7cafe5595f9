package telegraph

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update, so that `Get` is safe to iterate
// while callbacks are added and removed concurrently
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	ids       []int
	callbacks []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

// returns an unsubscribe function
// callbacks fan out in registration order
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1

	nextIds := slices.Clone(self.ids)
	nextCallbacks := slices.Clone(self.callbacks)
	self.ids = append(nextIds, callbackId)
	self.callbacks = append(nextCallbacks, callback)

	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.ids, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.ids = slices.Delete(slices.Clone(self.ids), i, i+1)
	self.callbacks = slices.Delete(slices.Clone(self.callbacks), i, i+1)
}

// fixed-interval retry timer
// a new `Reconnect` is created at the top of each connect cycle so that the
// wait measures from the start of the attempt, not from the failure
type Reconnect struct {
	timeout time.Duration
	start   time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
		start:   time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.start)
	if remaining <= 0 {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	return time.After(remaining)
}

// cancelable event for process lifecycle, used by the ctl frontends
type Event struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEventWithContext(ctx context.Context) *Event {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Event{
		ctx:    cancelCtx,
		cancel: cancel,
	}
}

func (self *Event) Ctx() context.Context {
	return self.ctx
}

func (self *Event) Set() {
	self.cancel()
}

func (self *Event) SetOnSignals(signalValues ...os.Signal) func() {
	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, signalValues...)
	done := make(chan struct{})
	go func() {
		defer signal.Stop(stopSignal)
		select {
		case <-stopSignal:
			self.Set()
		case <-done:
		}
	}()
	return func() {
		close(done)
	}
}
