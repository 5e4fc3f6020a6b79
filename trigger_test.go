package offline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerQueue(t *testing.T) {
	t.Run("drain dedupes in registration order", func(t *testing.T) {
		q, err := OpenTriggerQueue(t.TempDir())
		require.NoError(t, err)
		defer q.Close()

		for _, c := range []string{CategoryReviews, CategoryTrigger, CategoryReviews} {
			require.NoError(t, q.Register(c))
		}
		assert.Equal(t, uint64(3), q.Pending())

		select {
		case <-q.Signal():
		case <-time.After(time.Second):
			t.Fatal("no signal after register")
		}

		got, err := q.Drain()
		require.NoError(t, err)
		assert.Equal(t, []string{CategoryReviews, CategoryTrigger}, got)
		assert.Zero(t, q.Pending())

		got, err = q.Drain()
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("registrations survive reopen", func(t *testing.T) {
		dir := t.TempDir()
		q, err := OpenTriggerQueue(dir)
		require.NoError(t, err)
		require.NoError(t, q.Register(CategoryTrigger))
		require.NoError(t, q.Close())

		q, err = OpenTriggerQueue(dir)
		require.NoError(t, err)
		defer q.Close()

		select {
		case <-q.Signal():
		default:
			t.Fatal("reopened queue with pending items did not signal")
		}
		got, err := q.Drain()
		require.NoError(t, err)
		assert.Equal(t, []string{CategoryTrigger}, got)
	})

	t.Run("requeue does not signal", func(t *testing.T) {
		q, err := OpenTriggerQueue(t.TempDir())
		require.NoError(t, err)
		defer q.Close()

		require.NoError(t, q.requeue(CategoryReviews))
		select {
		case <-q.Signal():
			t.Fatal("requeue signalled")
		default:
		}
		assert.Equal(t, uint64(1), q.Pending())
	})
}
