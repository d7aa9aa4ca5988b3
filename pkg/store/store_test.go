package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetNotifiesWithOldAndNew(t *testing.T) {
	s := New()
	var gotNew, gotOld any
	s.Subscribe("k", func(newValue, oldValue any) {
		gotNew, gotOld = newValue, oldValue
	})
	s.Set("k", "v1")
	assert.Equal(t, "v1", gotNew)
	assert.Nil(t, gotOld)

	s.Set("k", "v2")
	assert.Equal(t, "v2", gotNew)
	assert.Equal(t, "v1", gotOld)
}

func TestDeleteNotifiesWithNilNew(t *testing.T) {
	s := New()
	s.Set("k", "v1")

	var gotNew, gotOld any
	called := false
	s.Subscribe("k", func(newValue, oldValue any) {
		called = true
		gotNew, gotOld = newValue, oldValue
	})
	s.Delete("k")
	assert.True(t, called)
	assert.Nil(t, gotNew)
	assert.Equal(t, "v1", gotOld)

	_, ok := s.Get("k")
	assert.False(t, ok)
}

func TestUpdate(t *testing.T) {
	s := New()
	s.Set("count", 1)
	s.Update("count", func(current any) any {
		return current.(int) + 1
	})
	v, _ := s.Get("count")
	assert.Equal(t, 2, v)
}

func TestSubscriberPanicIsolated(t *testing.T) {
	s := New()
	s.Subscribe("k", func(newValue, oldValue any) {
		panic("boom")
	})
	second := false
	s.Subscribe("k", func(newValue, oldValue any) {
		second = true
	})
	assert.NotPanics(t, func() {
		s.Set("k", "v")
	})
	assert.True(t, second)
}

func TestUnsubscribeStopsNotification(t *testing.T) {
	s := New()
	count := 0
	unsub := s.Subscribe("k", func(newValue, oldValue any) {
		count++
	})
	s.Set("k", "a")
	unsub()
	s.Set("k", "b")
	assert.Equal(t, 1, count)
}
