package eventloop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type prioqItem struct {
	key int
	idx int
}

func newPrioqTestQueue() *indexedPrioq[*prioqItem] {
	return newIndexedPrioq(
		func(a, b *prioqItem) bool { return a.key < b.key },
		prioqIndex[*prioqItem]{
			get: func(v *prioqItem) int { return v.idx },
			set: func(v *prioqItem, i int) { v.idx = i },
		},
	)
}

func TestIndexedPrioqOrdersByKey(t *testing.T) {
	q := newPrioqTestQueue()
	items := []*prioqItem{{key: 5}, {key: 1}, {key: 3}, {key: 2}, {key: 4}}
	for _, it := range items {
		it.idx = nullIndex
		q.Put(it)
	}

	var got []int
	for q.Len() > 0 {
		v, ok := q.Pop()
		require.True(t, ok)
		got = append(got, v.key)
	}
	require.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestIndexedPrioqRemoveKnown(t *testing.T) {
	q := newPrioqTestQueue()
	a := &prioqItem{key: 1, idx: nullIndex}
	b := &prioqItem{key: 2, idx: nullIndex}
	c := &prioqItem{key: 3, idx: nullIndex}
	q.Put(a)
	q.Put(b)
	q.Put(c)

	q.RemoveKnown(b)
	require.Equal(t, nullIndex, b.idx)
	require.Equal(t, 2, q.Len())

	v, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, 1, v.key)
	v, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, 3, v.key)
}

func TestIndexedPrioqReshuffle(t *testing.T) {
	q := newPrioqTestQueue()
	a := &prioqItem{key: 1, idx: nullIndex}
	b := &prioqItem{key: 2, idx: nullIndex}
	q.Put(a)
	q.Put(b)

	a.key = 10
	q.Reshuffle(a)

	v, ok := q.Peek()
	require.True(t, ok)
	require.Equal(t, 2, v.key)
}

func TestIndexedPrioqPeekEmpty(t *testing.T) {
	q := newPrioqTestQueue()
	_, ok := q.Peek()
	require.False(t, ok)
	_, ok = q.Pop()
	require.False(t, ok)
}
