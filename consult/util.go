package consult

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// runs `do` and contains any panic so that a misbehaving listener
// cannot take down the relay or session loops
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			glog.Warningf("Unexpected error: %s\n", ErrorJson(r, debug.Stack()))
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%s", r)
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

func ErrorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		stackLines = append(stackLines, strings.TrimSpace(line))
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}

type callbackId = Id

// makes a copy of the list on update
// callbacks are invoked without holding the lock
type CallbackList[T any] struct {
	mutex       sync.Mutex
	callbackIds []callbackId
	callbacks   map[callbackId]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []callbackId{},
		callbacks:   map[callbackId]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) callbackId {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := NewId()
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId callbackId) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := -1
	for j, existingCallbackId := range self.callbackIds {
		if callbackId == existingCallbackId {
			i = j
			break
		}
	}
	if i < 0 {
		// not present
		return
	}
	self.callbackIds = append(self.callbackIds[:i], self.callbackIds[i+1:]...)
	delete(self.callbacks, callbackId)
}
