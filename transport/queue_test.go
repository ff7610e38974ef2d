package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventQueueDispatchesInPushOrder(t *testing.T) {
	var q EventQueue
	var got []int
	for i := 1; i <= 3; i++ {
		i := i
		q.Push(func() { got = append(got, i) })
	}
	require.Equal(t, 3, q.Len())

	q.Dispatch()
	require.Equal(t, []int{1, 2, 3}, got)
	require.Zero(t, q.Len())
}

func TestEventQueueDefersPushesDuringDispatch(t *testing.T) {
	var q EventQueue
	var got []string
	q.Push(func() {
		got = append(got, "first")
		q.Push(func() { got = append(got, "second") })
	})

	q.Dispatch()
	require.Equal(t, []string{"first"}, got)

	q.Dispatch()
	require.Equal(t, []string{"first", "second"}, got)
}

func TestEventQueueIgnoresNil(t *testing.T) {
	var q EventQueue
	q.Push(nil)
	require.Zero(t, q.Len())
	q.Dispatch()
}
