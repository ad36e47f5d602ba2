package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/provider-bridge/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// probe records execution order and the peak number of overlapping calls.
type probe struct {
	mu       sync.Mutex
	order    []int
	inFlight atomic.Int32
	peak     atomic.Int32
	fail     map[int]error
}

func (p *probe) call(_ context.Context, n int) (int, error) {
	cur := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	for {
		old := p.peak.Load()
		if cur <= old || p.peak.CompareAndSwap(old, cur) {
			break
		}
	}

	time.Sleep(5 * time.Millisecond)

	p.mu.Lock()
	p.order = append(p.order, n)
	p.mu.Unlock()

	if err := p.fail[n]; err != nil {
		return 0, err
	}

	return n * 10, nil
}

func TestWrap_ConcurrentCallerUnchanged(t *testing.T) {
	p := &probe{}
	c := Func[int, int]{Fn: p.call, AllowConcurrent: true}.Caller()

	_, queued := Wrap(c).(*Queue[int, int])
	assert.False(t, queued)

	var g errgroup.Group
	for i := range 8 {
		g.Go(func() error {
			_, err := c.Call(context.Background(), i)
			return err
		})
	}

	require.NoError(t, g.Wait())
	assert.Greater(t, p.peak.Load(), int32(1))
}

func TestWrap_SerializesInSubmissionOrder(t *testing.T) {
	p := &probe{}
	q, ok := Wrap(Func[int, int]{Fn: p.call}.Caller()).(*Queue[int, int])
	require.True(t, ok)

	results := make([]<-chan Result[int], 10)
	for i := range results {
		results[i] = q.Submit(context.Background(), i)
	}

	for i, ch := range results {
		r := <-ch
		require.NoError(t, r.Err)
		assert.Equal(t, i*10, r.Value)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, p.order)
	assert.Equal(t, int32(1), p.peak.Load())
}

func TestWrap_FanOutNeverOverlaps(t *testing.T) {
	p := &probe{}
	c := Wrap(Func[int, int]{Fn: p.call}.Caller())

	var g errgroup.Group
	for i := range 8 {
		g.Go(func() error {
			_, err := c.Call(context.Background(), i)
			return err
		})
	}

	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), p.peak.Load())
	assert.Len(t, p.order, 8)
}

func TestQueue_IndependentFailures(t *testing.T) {
	p := &probe{fail: map[int]error{1: errors.New("bad input")}}
	q := Wrap(Func[int, int]{Fn: p.call}.Caller()).(*Queue[int, int])

	r0 := q.Submit(context.Background(), 0)
	r1 := q.Submit(context.Background(), 1)
	r2 := q.Submit(context.Background(), 2)

	assert.NoError(t, (<-r0).Err)
	assert.EqualError(t, (<-r1).Err, "bad input")
	assert.Equal(t, 20, (<-r2).Value)
	assert.NoError(t, q.Dead())
}

func TestQueue_DeadTransportFailsFast(t *testing.T) {
	dead := fmt.Errorf("%w: peer went away", apperrors.ErrTransportClosed)
	p := &probe{fail: map[int]error{1: dead}}
	q := Wrap(Func[int, int]{Fn: p.call}.Caller()).(*Queue[int, int])

	rs := []<-chan Result[int]{
		q.Submit(context.Background(), 0),
		q.Submit(context.Background(), 1),
		q.Submit(context.Background(), 2),
		q.Submit(context.Background(), 3),
	}

	assert.NoError(t, (<-rs[0]).Err)

	for _, ch := range rs[1:] {
		assert.ErrorIs(t, (<-ch).Err, dead)
	}

	_, err := q.Call(context.Background(), 4)
	require.ErrorIs(t, err, apperrors.ErrTransportClosed)

	assert.Equal(t, []int{0, 1}, p.order)
}

func TestQueue_CanceledWaiterKeepsOrder(t *testing.T) {
	release := make(chan struct{})

	var order []int

	var mu sync.Mutex

	fn := func(_ context.Context, n int) (int, error) {
		if n == 0 {
			<-release
		}

		mu.Lock()
		order = append(order, n)
		mu.Unlock()

		return n, nil
	}

	q := Wrap(Func[int, int]{Fn: fn}.Caller()).(*Queue[int, int])

	ctx, cancel := context.WithCancel(context.Background())

	r0 := q.Submit(context.Background(), 0)
	r1 := q.Submit(ctx, 1)
	r2 := q.Submit(context.Background(), 2)

	cancel()
	assert.ErrorIs(t, (<-r1).Err, context.Canceled)

	select {
	case <-r2:
		t.Fatal("call 2 ran before call 0 finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)

	assert.NoError(t, (<-r0).Err)
	assert.NoError(t, (<-r2).Err)
	assert.Equal(t, []int{0, 2}, order)
}
