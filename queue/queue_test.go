package queue_test

import (
	"context"
	"sync"
	"testing"

	"github.com/finswire/fins"
	"github.com/finswire/fins/moduleid"
	"github.com/finswire/fins/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOAcrossGoroutines(t *testing.T) {
	q := queue.New("test", 4)
	const n = 256
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			f := fins.NewDataFrame(fins.Up, []byte{byte(i)}, fins.Metadata{}, moduleid.IPv4)
			require.NoError(t, q.Enqueue(ctx, f))
		}
	}()

	got := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		f, err := q.Dequeue(ctx)
		require.NoError(t, err)
		got = append(got, f.PDU[0])
	}
	wg.Wait()

	for i := range got {
		assert.Equal(t, byte(i), got[i])
	}
}

func TestTryEnqueueFullAndTryDequeueEmpty(t *testing.T) {
	q := queue.New("test", 1)
	f := fins.NewDataFrame(fins.Up, []byte{1}, fins.Metadata{}, moduleid.IPv4)
	require.NoError(t, q.TryEnqueue(f))
	assert.ErrorIs(t, q.TryEnqueue(f), queue.ErrFull)

	_, err := q.TryDequeue()
	require.NoError(t, err)
	_, err = q.TryDequeue()
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestClosedQueueErrors(t *testing.T) {
	q := queue.New("test", 1)
	q.Close()
	_, err := q.TryDequeue()
	assert.ErrorIs(t, err, queue.ErrClosed)
	err = q.TryEnqueue(fins.Frame{})
	assert.ErrorIs(t, err, queue.ErrClosed)
}
