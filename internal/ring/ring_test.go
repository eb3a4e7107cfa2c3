package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_PanicsOnInvalidSize(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
	assert.Panics(t, func() { New[int](3) })
}

func TestBuffer_PushPopFront(t *testing.T) {
	rb := New[int](4)
	assert.Equal(t, 0, rb.Len())
	assert.True(t, rb.PushBack(1))
	assert.True(t, rb.PushBack(2))
	assert.Equal(t, 2, rb.Len())

	v, ok := rb.PopFront()
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = rb.PopFront()
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = rb.PopFront()
	assert.False(t, ok)
}

func TestBuffer_Full(t *testing.T) {
	rb := New[int](2)
	assert.True(t, rb.PushBack(1))
	assert.True(t, rb.PushBack(2))
	assert.True(t, rb.Full())
	assert.False(t, rb.PushBack(3))
}

func TestBuffer_PopBack(t *testing.T) {
	rb := New[int](4)
	rb.PushBack(1)
	rb.PushBack(2)
	rb.PushBack(3)

	v, ok := rb.PopBack()
	assert.True(t, ok)
	assert.Equal(t, 3, v)
	assert.Equal(t, 2, rb.Len())
}

func TestBuffer_Get(t *testing.T) {
	rb := New[int](4)
	rb.PushBack(10)
	rb.PushBack(20)
	assert.Equal(t, 10, rb.Get(0))
	assert.Equal(t, 20, rb.Get(1))
	assert.Panics(t, func() { rb.Get(2) })
}

func TestBuffer_WrapAround(t *testing.T) {
	rb := New[int](4)
	rb.PushBack(1)
	rb.PushBack(2)
	rb.PopFront()
	rb.PopFront()
	rb.PushBack(3)
	rb.PushBack(4)
	rb.PushBack(5)
	rb.PushBack(6)
	assert.True(t, rb.Full())
	v, _ := rb.PopFront()
	assert.Equal(t, 3, v)
}
