package realtime

import (
	"sync"
	"time"
)

// injectable time source. Production uses `time.Now`, tests step a fixed time.
type NowFunction func() time.Time

func defaultNow() time.Time {
	return time.Now()
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbacks      map[int]T
	orderedIds     []int
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.orderedIds))
	for _, callbackId := range self.orderedIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbacks[callbackId] = callback
	self.orderedIds = append(self.orderedIds, callbackId)
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	nextOrderedIds := make([]int, 0, len(self.orderedIds))
	for _, orderedId := range self.orderedIds {
		if orderedId != callbackId {
			nextOrderedIds = append(nextOrderedIds, orderedId)
		}
	}
	self.orderedIds = nextOrderedIds
}

// set of string ids
type idSet map[string]bool

func (self idSet) add(id string) {
	self[id] = true
}

func (self idSet) remove(id string) {
	delete(self, id)
}

func (self idSet) contains(id string) bool {
	return self[id]
}

func (self idSet) values() []string {
	values := make([]string, 0, len(self))
	for id := range self {
		values = append(values, id)
	}
	return values
}
