package images

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildQueue_LimitsConcurrency(t *testing.T) {
	queue := NewBuildQueue(2)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := queue.Do(context.Background(), string(rune('a'+i)), func(ctx context.Context) (*Image, error) {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				running.Add(-1)
				return &Image{}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 0, queue.ActiveCount())
	assert.Equal(t, 0, queue.PendingCount())
}

func TestBuildQueue_SharesSameRef(t *testing.T) {
	queue := NewBuildQueue(4)

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	type outcome struct {
		img    *Image
		shared bool
	}
	results := make(chan outcome, 2)

	go func() {
		img, shared, err := queue.Do(context.Background(), "ref", func(ctx context.Context) (*Image, error) {
			calls.Add(1)
			close(started)
			<-release
			return &Image{Ref: "ref"}, nil
		})
		assert.NoError(t, err)
		results <- outcome{img, shared}
	}()

	<-started
	go func() {
		img, shared, err := queue.Do(context.Background(), "ref", func(ctx context.Context) (*Image, error) {
			calls.Add(1)
			return &Image{Ref: "other"}, nil
		})
		assert.NoError(t, err)
		results <- outcome{img, shared}
	}()

	// Give the second caller time to find the running build
	time.Sleep(20 * time.Millisecond)
	close(release)

	var sharedCount int
	for i := 0; i < 2; i++ {
		o := <-results
		require.Equal(t, "ref", o.img.Ref)
		if o.shared {
			sharedCount++
		}
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, sharedCount)
}

func TestBuildQueue_CancelledWhileWaiting(t *testing.T) {
	queue := NewBuildQueue(1)

	release := make(chan struct{})
	started := make(chan struct{})
	go queue.Do(context.Background(), "a", func(ctx context.Context) (*Image, error) {
		close(started)
		<-release
		return &Image{}, nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := queue.Do(ctx, "b", func(ctx context.Context) (*Image, error) {
		t.Fatal("must not run")
		return nil, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, queue.PendingCount())
	close(release)
}
