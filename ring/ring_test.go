package ring_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lcdlab/sponexp/ring"
)

func TestEmpty(t *testing.T) {
	b := ring.New[float64](3)
	_, ok := b.Head()
	assert.False(t, ok)
	_, ok = b.Tail()
	assert.False(t, ok)
	assert.Empty(t, b.Contiguous())
	assert.Equal(t, 3, b.Cap())
}

func TestPartiallyFilled(t *testing.T) {
	b := ring.New[int](4)
	b.Append(1)
	b.Append(2)
	h, _ := b.Head()
	tl, _ := b.Tail()
	assert.Equal(t, 2, h)
	assert.Equal(t, 1, tl)
	assert.Equal(t, []int{1, 2}, b.Contiguous())
}

func TestWrapsAndKeepsOrder(t *testing.T) {
	b := ring.New[int](3)
	for i := 1; i <= 7; i++ {
		b.Append(i)
	}
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []int{5, 6, 7}, b.Contiguous())
	h, _ := b.Head()
	tl, _ := b.Tail()
	assert.Equal(t, 7, h)
	assert.Equal(t, 5, tl)
}

func TestExactlyFull(t *testing.T) {
	b := ring.New[int](3)
	for i := 1; i <= 3; i++ {
		b.Append(i)
	}
	tl, _ := b.Tail()
	assert.Equal(t, 1, tl)
	assert.Equal(t, []int{1, 2, 3}, b.Contiguous())
}

func TestContiguousIsACopy(t *testing.T) {
	b := ring.New[int](2)
	b.Append(1)
	b.Append(2)
	b.Append(3)
	c := b.Contiguous()
	c[0] = 99
	assert.Equal(t, []int{2, 3}, b.Contiguous())
}
