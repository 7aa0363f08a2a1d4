package chatcore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialQueue_RunsInPostOrder(t *testing.T) {
	q := newSerialQueue(&NoopLogger{})
	got := &collector[int]{}

	for i := 0; i < 100; i++ {
		q.post(func() { got.add(i) })
	}
	require.Eventually(t, func() bool { return got.len() == 100 }, waitFor, tick)
	for i, v := range got.all() {
		assert.Equal(t, i, v)
	}
	q.close()
}

func TestSerialQueue_SurvivesPanics(t *testing.T) {
	q := newSerialQueue(&NoopLogger{})
	defer q.close()

	var wg sync.WaitGroup
	wg.Add(1)
	q.post(func() { panic("observer bug") })
	q.post(wg.Done)
	wg.Wait()
}

func TestSerialQueue_PostAfterCloseIsIgnored(t *testing.T) {
	q := newSerialQueue(&NoopLogger{})
	q.close()
	q.close()

	called := false
	q.post(func() { called = true })
	assert.False(t, called)
}

func TestObserverSet(t *testing.T) {
	var set observerSet[string]
	first := &collector[string]{}
	second := &collector[string]{}

	removeFirst := set.Add(first.add)
	set.Add(second.add)
	assert.Equal(t, 2, set.Len())

	set.Emit("a")
	removeFirst()
	removeFirst()
	set.Emit("b")

	assert.Equal(t, []string{"a"}, first.all())
	assert.Equal(t, []string{"a", "b"}, second.all())
	assert.Equal(t, 1, set.Len())
}
