package consult

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestHandleError(t *testing.T) {
	// a clean callback runs through
	ran := false
	r := HandleError(func() {
		ran = true
	})
	assert.Equal(t, true, ran)
	assert.Equal(t, nil, r)

	// a panicking callback is contained and the handlers run
	handled := false
	var handledErr error
	r = HandleError(func() {
		panic(errors.New("listener broke"))
	}, func() {
		handled = true
	}, func(err error) {
		handledErr = err
	})
	assert.Equal(t, true, handled)
	assert.NotEqual(t, nil, handledErr)
	assert.Equal(t, "listener broke", handledErr.Error())
	assert.NotEqual(t, nil, r)

	// non error panics are wrapped
	var wrapped error
	HandleError(func() {
		panic("a string panic")
	}, func(err error) {
		wrapped = err
	})
	assert.Equal(t, "a string panic", wrapped.Error())
}

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func(int)]()
	assert.Equal(t, 0, len(callbacks.Get()))

	order := []string{}

	aId := callbacks.Add(func(int) {
		order = append(order, "a")
	})
	bId := callbacks.Add(func(int) {
		order = append(order, "b")
	})

	// callbacks run in add order
	for _, callback := range callbacks.Get() {
		callback(0)
	}
	assert.Equal(t, []string{"a", "b"}, order)

	callbacks.Remove(aId)
	for _, callback := range callbacks.Get() {
		callback(0)
	}
	assert.Equal(t, []string{"a", "b", "b"}, order)

	// removing twice is harmless
	callbacks.Remove(aId)
	callbacks.Remove(bId)
	assert.Equal(t, 0, len(callbacks.Get()))
}
