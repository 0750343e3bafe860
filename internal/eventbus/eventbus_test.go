package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	b := New(4)
	a, unsubA := b.Subscribe()
	c, unsubC := b.Subscribe()
	assert.Equal(t, 2, b.Len())

	b.Publish(TypeIngest, "x")

	ea := <-a
	ec := <-c
	assert.Equal(t, TypeIngest, ea.Type)
	assert.Equal(t, "x", ec.Data)
	assert.False(t, ea.Timestamp.IsZero())

	unsubA()
	unsubA()
	_, ok := <-a
	assert.False(t, ok)
	assert.Equal(t, 1, b.Len())
	unsubC()
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	b := New(1)
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(TypeRelay, 1)
	b.Publish(TypeRelay, 2)
	b.Publish(TypeRelay, 3)

	e := <-ch
	require.Equal(t, 1, e.Data)
	assert.Equal(t, uint64(2), b.Dropped())
}
