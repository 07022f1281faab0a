package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Operations(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("a")
	assert.False(t, ok)

	first := &Record{id: "a"}
	r.Put("a", first)
	r.Put("b", &Record{id: "b"})
	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Same(t, first, got)

	second := &Record{id: "a"}
	r.Put("a", second)
	got, _ = r.Get("a")
	assert.Same(t, second, got)

	assert.Equal(t, []string{"a", "b"}, r.Snapshot())
	assert.Equal(t, 2, r.Len())

	assert.True(t, r.Remove("a"))
	assert.False(t, r.Remove("a"))
	assert.Equal(t, []string{"b"}, r.Snapshot())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.Put(id, &Record{id: id})
			r.Get(id)
			r.Snapshot()
			r.Remove(id)
		}(fmt.Sprintf("s%d", i))
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")

	acquired := make(chan struct{})
	go func() {
		u := k.Lock("a")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock on the same key must wait")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
	assert.Eventually(t, func() bool { return k.size() == 0 }, time.Second, time.Millisecond)
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		k.Lock("b")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("different keys must not block each other")
	}
}

func TestKeyedMutex_UnlockIsIdempotent(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	unlock()
	unlock()
	assert.Equal(t, 0, k.size())
	k.Lock("a")()
}

func TestRing_KeepsMostRecent(t *testing.T) {
	r := newRing[int](3)
	assert.Nil(t, r.list())
	r.add(1)
	r.add(2)
	assert.Equal(t, []int{1, 2}, r.list())
	r.add(3)
	r.add(4)
	r.add(5)
	assert.Equal(t, []int{3, 4, 5}, r.list())
}

func TestStateTracker_IgnoresRepeatsAndCapsHistory(t *testing.T) {
	st := newStateTracker()
	st.transition("a", StateConnecting, "connect")
	st.transition("a", StateConnecting, "again")
	assert.Len(t, st.history("a"), 1)

	for i := 0; i < transitionBufferSize; i++ {
		st.transition("a", StateReady, "up")
		st.transition("a", StateDisposed, "down")
	}
	h := st.history("a")
	assert.Len(t, h, transitionBufferSize)
	assert.Equal(t, StateDisposed, h[len(h)-1].To)
	assert.Nil(t, st.history("unknown"))
}

func TestStateJSONName(t *testing.T) {
	b, err := StateReady.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "ready", string(b))
	assert.Equal(t, "unknown", State(9).String())
}

func TestEventLog_RecordsAndEvicts(t *testing.T) {
	l := NewEventLog()
	l.Record(Event{Type: EventData, SessionID: "a"})
	assert.Nil(t, l.Events("a"))

	l.Record(Event{Type: EventError, SessionID: "a", Time: time.Now(), Err: NewError(CodeConnectTimeout, "slow")})
	events := l.Events("a")
	require.Len(t, events, 1)
	assert.Equal(t, CodeConnectTimeout, events[0].Code)
	assert.Equal(t, "slow", events[0].Message)

	for i := 0; i < eventBufferSize+5; i++ {
		l.Record(Event{Type: EventClose, SessionID: "a", Time: time.Now()})
	}
	assert.Len(t, l.Events("a"), eventBufferSize)

	l.Forget("a")
	assert.Nil(t, l.Events("a"))
}
