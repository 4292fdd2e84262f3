package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestGetOrCreate_NewSessionIsEmpty(t *testing.T) {
	s := NewStore()
	sess := s.GetOrCreate("abc")
	assert.Equal(t, "abc", sess.ID)
	assert.Empty(t, sess.Turns)
	assert.Equal(t, 1, s.Len())
}

func TestAppend_PreservesOrder(t *testing.T) {
	s := NewStore()
	for i := range 5 {
		s.Append("abc", Turn{Role: RoleUser, Text: fmt.Sprintf("m%d", i)})
	}
	sess, ok := s.Get("abc")
	require.True(t, ok)
	require.Len(t, sess.Turns, 5)
	for i, turn := range sess.Turns {
		assert.Equal(t, fmt.Sprintf("m%d", i), turn.Text)
		assert.False(t, turn.Timestamp.IsZero())
	}
}

func TestSnapshot_IsIsolated(t *testing.T) {
	s := NewStore()
	s.Append("abc", Turn{Role: RoleUser, Text: "one"})
	sess := s.GetOrCreate("abc")
	sess.Turns[0].Text = "mutated"

	again, _ := s.Get("abc")
	assert.Equal(t, "one", again.Turns[0].Text)
}

func TestRecent_Bounded(t *testing.T) {
	s := NewStore()
	for i := range 12 {
		s.Append("abc", Turn{Role: RoleUser, Text: fmt.Sprintf("m%d", i)})
	}
	recent := s.Recent("abc", 10)
	require.Len(t, recent, 10)
	assert.Equal(t, "m2", recent[0].Text)
	assert.Equal(t, "m11", recent[9].Text)

	assert.Len(t, s.Recent("abc", 50), 12)
	assert.Nil(t, s.Recent("abc", 0))
	assert.Nil(t, s.Recent("missing", 5))
}

func TestLock_ExcludesSameSession(t *testing.T) {
	s := NewStore()
	unlock, err := s.Lock(context.Background(), "abc")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Lock(ctx, "abc")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // second call is a no-op

	unlock2, err := s.Lock(context.Background(), "abc")
	require.NoError(t, err)
	unlock2()
}

func TestLock_ExpiredContextNeverAcquires(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 50 {
		unlock, err := s.Lock(ctx, "abc")
		require.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, unlock)
	}
	_, ok := s.Get("abc")
	assert.False(t, ok)
}

func TestLock_DistinctSessionsIndependent(t *testing.T) {
	s := NewStore()
	unlockA, err := s.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := s.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestLock_SerializesAppends(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := s.Lock(context.Background(), "abc")
			if err != nil {
				return
			}
			defer unlock()
			s.Append("abc", Turn{Role: RoleUser, Text: fmt.Sprintf("u%d", i)})
			s.Append("abc", Turn{Role: RoleAgent, Text: fmt.Sprintf("a%d", i)})
		}()
	}
	wg.Wait()

	sess, _ := s.Get("abc")
	require.Len(t, sess.Turns, 40)
	for i := 0; i < len(sess.Turns); i += 2 {
		u, a := sess.Turns[i], sess.Turns[i+1]
		assert.Equal(t, RoleUser, u.Role)
		assert.Equal(t, RoleAgent, a.Role)
		assert.Equal(t, u.Text[1:], a.Text[1:], "pairs must not interleave")
	}
}

func TestDelete(t *testing.T) {
	s := NewStore()
	s.Append("abc", Turn{Role: RoleUser, Text: "hi"})
	assert.True(t, s.Delete("abc"))
	assert.False(t, s.Delete("abc"))
	_, ok := s.Get("abc")
	assert.False(t, ok)
}

func TestDelete_WhileLockedClearsHistory(t *testing.T) {
	s := NewStore()
	s.Append("abc", Turn{Role: RoleUser, Text: "hi"})
	unlock, err := s.Lock(context.Background(), "abc")
	require.NoError(t, err)

	assert.True(t, s.Delete("abc"))
	sess, ok := s.Get("abc")
	require.True(t, ok)
	assert.Empty(t, sess.Turns)
	unlock()
}

func TestSweep_EvictsIdleSessions(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(WithClock(clock), WithIdleTTL(30*time.Minute))

	s.Append("old", Turn{Role: RoleUser, Text: "hi"})
	clock.Advance(20 * time.Minute)
	s.Append("fresh", Turn{Role: RoleUser, Text: "hi"})
	clock.Advance(15 * time.Minute)

	assert.Equal(t, 1, s.Sweep())
	_, ok := s.Get("old")
	assert.False(t, ok)
	_, ok = s.Get("fresh")
	assert.True(t, ok)
}

func TestSweep_SkipsLockedSessions(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(WithClock(clock), WithIdleTTL(time.Minute))

	unlock, err := s.Lock(context.Background(), "busy")
	require.NoError(t, err)
	clock.Advance(time.Hour)

	assert.Zero(t, s.Sweep())
	unlock()
	assert.Equal(t, 1, s.Sweep())
}

func TestSweep_DisabledWithoutTTL(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(WithClock(clock))
	s.Append("abc", Turn{Role: RoleUser, Text: "hi"})
	clock.Advance(24 * time.Hour)
	assert.Zero(t, s.Sweep())
}

func TestStats(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(WithClock(clock))
	s.Append("a", Turn{Role: RoleUser, Text: "1"})
	clock.Advance(time.Second)
	s.Append("b", Turn{Role: RoleUser, Text: "1"})
	s.Append("b", Turn{Role: RoleAgent, Text: "2"})

	stats := s.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "b", stats[0].ID)
	assert.Equal(t, 2, stats[0].MessageCount)
	assert.Equal(t, 3, s.TotalTurns())
}

func TestRecordError_CountsOnlyExistingSessions(t *testing.T) {
	s := NewStore()
	s.RecordError("ghost", "SttError")
	assert.Equal(t, 0, s.Len())

	s.Append("a", Turn{Role: RoleUser, Text: "hi"})
	s.RecordError("a", "LlmError")
	s.RecordError("a", "LlmError")
	s.RecordError("a", "TtsError")

	sess, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, map[string]int{"LlmError": 2, "TtsError": 1}, sess.Errors)
	assert.Equal(t, 3, s.Stats()[0].ErrorCount)
}
