package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements the commands interface in memory so queue behavior
// can be tested without a server.
type fakeRedis struct {
	mu    sync.Mutex
	lists map[string][]string           // index 0 is the head
	zsets map[string]map[string]float64 // member -> score
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		lists: make(map[string][]string),
		zsets: make(map[string]map[string]float64),
	}
}

func (f *fakeRedis) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.lists[key] = append([]string{fmt.Sprint(v)}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) BLMove(_ context.Context, source, destination, _, _ string, _ time.Duration) *redis.StringCmd {
	f.mu.Lock()
	src := f.lists[source]
	if len(src) == 0 {
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
		return redis.NewStringResult("", redis.Nil)
	}
	v := src[len(src)-1]
	f.lists[source] = src[:len(src)-1]
	f.lists[destination] = append([]string{v}, f.lists[destination]...)
	f.mu.Unlock()
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) LRem(_ context.Context, key string, _ int64, value interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := fmt.Sprint(value)
	var removed int64
	out := f.lists[key][:0]
	for _, v := range f.lists[key] {
		if removed == 0 && v == want {
			removed++
			continue
		}
		out = append(out, v)
	}
	f.lists[key] = out
	return redis.NewIntResult(removed, nil)
}

func (f *fakeRedis) LTrim(_ context.Context, key string, start, stop int64) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.lists[key]
	if start < 0 {
		start = 0
	}
	if stop >= int64(len(l)) {
		stop = int64(len(l)) - 1
	}
	if start > stop {
		f.lists[key] = nil
	} else {
		f.lists[key] = append([]string(nil), l[start:stop+1]...)
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) LLen(_ context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) ZAdd(_ context.Context, key string, members ...redis.Z) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.zsets[key] == nil {
		f.zsets[key] = make(map[string]float64)
	}
	for _, m := range members {
		f.zsets[key][fmt.Sprint(m.Member)] = m.Score
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeRedis) ZRem(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	for _, m := range members {
		member := fmt.Sprint(m)
		if _, ok := f.zsets[key][member]; ok {
			delete(f.zsets[key], member)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func (f *fakeRedis) ZRangeByScore(_ context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var max float64
	switch opt.Max {
	case "+inf":
		max = float64(1<<62 - 1)
	default:
		fmt.Sscanf(opt.Max, "%f", &max)
	}
	var out []string
	for member, score := range f.zsets[key] {
		if score <= max {
			out = append(out, member)
		}
	}
	sort.Strings(out)
	return redis.NewStringSliceResult(out, nil)
}

func (f *fakeRedis) listLen(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lists[key])
}

func (f *fakeRedis) zsetMembers(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for member := range f.zsets[key] {
		out = append(out, member)
	}
	sort.Strings(out)
	return out
}

func TestQueue_TakeAndComplete(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	q := newWithCommands(rdb, "test")

	job, err := NewJob("evaluate", map[string]string{"signalId": "sig-1"})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, job))

	got, raw, err := q.take(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "evaluate", got.Name)
	assert.Equal(t, 0, rdb.listLen("test:wait"))
	assert.Equal(t, 1, rdb.listLen("test:active"))

	var data map[string]string
	require.NoError(t, json.Unmarshal(got.Data, &data))
	assert.Equal(t, "sig-1", data["signalId"])

	q.complete(ctx, raw)
	assert.Equal(t, 0, rdb.listLen("test:active"))
}

func TestQueue_RetryThenFail(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	q := newWithCommands(rdb, "test")

	job, err := NewJob("evaluate", nil)
	require.NoError(t, err)
	job.MaxAttempts = 2
	require.NoError(t, q.Enqueue(ctx, job))

	// First failure re-queues with a delay.
	got, raw, err := q.take(ctx, time.Second)
	require.NoError(t, err)
	q.retryOrFail(ctx, got, raw, errors.New("boom"))
	assert.Equal(t, 0, rdb.listLen("test:active"))
	assert.Len(t, rdb.zsetMembers("test:delayed"), 1)

	// Promote past the retry delay and fail again: the retry budget is
	// spent, so the job lands in the failed list.
	q.promoteDue(ctx, time.Now().Add(time.Minute))
	got, raw, err = q.take(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Attempts)
	q.retryOrFail(ctx, got, raw, errors.New("boom again"))
	assert.Equal(t, 0, rdb.listLen("test:active"))
	assert.Empty(t, rdb.zsetMembers("test:delayed"))
	assert.Equal(t, 1, rdb.listLen("test:failed"))

	n, err := q.FailedCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestQueue_RegisterRepeatable_Replaces(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	q := newWithCommands(rdb, "test")

	require.NoError(t, q.RegisterRepeatable(ctx, "tick", 30*time.Second))
	require.NoError(t, q.RegisterRepeatable(ctx, "tick", time.Minute))

	members := rdb.zsetMembers("test:repeat")
	require.Len(t, members, 1)
	assert.Equal(t, "tick|60000", members[0])
}

func TestQueue_RepeatableFiresAndReschedules(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	q := newWithCommands(rdb, "test")

	require.NoError(t, q.RegisterRepeatable(ctx, "tick", time.Minute))
	q.promoteDue(ctx, time.Now().Add(2*time.Minute))

	got, _, err := q.take(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tick", got.Name)
	// Still exactly one schedule, armed for the next run.
	require.Len(t, rdb.zsetMembers("test:repeat"), 1)
}

func TestQueue_RemoveRepeatable(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	q := newWithCommands(rdb, "test")

	require.NoError(t, q.RegisterRepeatable(ctx, "tick", time.Minute))
	require.NoError(t, q.RemoveRepeatable(ctx, "tick"))
	assert.Empty(t, rdb.zsetMembers("test:repeat"))
}

func TestWorker_ProcessesJobs(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	q := newWithCommands(rdb, "test")

	done := make(chan string, 4)
	w := NewWorker(q, func(_ context.Context, job *Job) error {
		done <- job.Name
		return nil
	}, 2)
	w.Start()
	defer func() { require.NoError(t, w.Stop()) }()

	for i := 0; i < 3; i++ {
		job, err := NewJob(fmt.Sprintf("job-%d", i), nil)
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(ctx, job))
	}

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		select {
		case name := <-done:
			seen[name] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	require.Len(t, seen, 3)

	require.Eventually(t, func() bool {
		return rdb.listLen("test:active") == 0 && rdb.listLen("test:wait") == 0
	}, 5*time.Second, 10*time.Millisecond)
}
