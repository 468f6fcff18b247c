// Package queue is a small durable job queue over Redis. Jobs wait in a
// list, move to an active list while a worker runs them, and either
// disappear on success, re-enter after a delay on retry, or land in a
// capped failed list for inspection. A sorted set drives repeatable jobs
// such as the scheduler tick.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "queue")

// Queue names used by the node.
const (
	EvaluationQueue = "sentinel:evaluation"
	SchedulerQueue  = "sentinel:scheduler"
)

// Job names making up the queue protocol.
const (
	JobEvaluate = "evaluate"
	JobTick     = "tick"
)

// EvaluatePayload is the data of an evaluate job.
type EvaluatePayload struct {
	SignalID string `json:"signalId"`
}

const (
	// failedRetention caps the failed list; older failures are trimmed.
	failedRetention = 1000
	defaultAttempts = 3
	retryDelay      = 5 * time.Second
)

// commands is the slice of the Redis API the queue uses. *redis.Client
// satisfies it; tests substitute an in-memory implementation.
type commands interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
}

// Job is one unit of queued work. Data carries the job-specific payload
// as raw JSON.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Data        json.RawMessage `json:"data,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// NewJob builds a job with a fresh id and the default retry budget.
func NewJob(name string, data interface{}) (*Job, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode job data")
	}
	return &Job{
		ID:          uuid.NewString(),
		Name:        name,
		Data:        raw,
		MaxAttempts: defaultAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}, nil
}

// Queue is one named queue. It only holds key names and a client; all
// state lives in Redis.
type Queue struct {
	name string
	rdb  commands
}

// New binds a queue to its Redis keys.
func New(rdb *redis.Client, name string) *Queue {
	return &Queue{name: name, rdb: rdb}
}

func newWithCommands(rdb commands, name string) *Queue {
	return &Queue{name: name, rdb: rdb}
}

func (q *Queue) waitKey() string    { return q.name + ":wait" }
func (q *Queue) activeKey() string  { return q.name + ":active" }
func (q *Queue) failedKey() string  { return q.name + ":failed" }
func (q *Queue) delayedKey() string { return q.name + ":delayed" }
func (q *Queue) repeatKey() string  { return q.name + ":repeat" }

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Enqueue makes the job available to workers immediately.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "could not encode job")
	}
	if err := q.rdb.LPush(ctx, q.waitKey(), string(raw)).Err(); err != nil {
		return errors.Wrapf(err, "could not enqueue %s", job.Name)
	}
	return nil
}

// EnqueueIn schedules the job to become available after the delay.
func (q *Queue) EnqueueIn(ctx context.Context, job *Job, delay time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "could not encode job")
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: readyAt, Member: string(raw)}).Err(); err != nil {
		return errors.Wrapf(err, "could not delay %s", job.Name)
	}
	return nil
}

// repeatMember encodes a repeatable job name together with its interval so
// the mover can reschedule it without extra state.
func repeatMember(name string, every time.Duration) string {
	return fmt.Sprintf("%s|%d", name, every.Milliseconds())
}

func parseRepeatMember(member string) (string, time.Duration, error) {
	i := strings.LastIndexByte(member, '|')
	if i < 0 {
		return "", 0, fmt.Errorf("malformed repeat entry %q", member)
	}
	ms, err := strconv.ParseInt(member[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed repeat interval in %q", member)
	}
	return member[:i], time.Duration(ms) * time.Millisecond, nil
}

// RegisterRepeatable replaces any prior schedule for the named job and
// arms it to fire after one interval. Registration is idempotent: calling
// it again, from this process or another, never leaves two schedules.
func (q *Queue) RegisterRepeatable(ctx context.Context, name string, every time.Duration) error {
	if every <= 0 {
		return errors.New("repeat interval must be positive")
	}
	existing, err := q.rdb.ZRangeByScore(ctx, q.repeatKey(), &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil && err != redis.Nil {
		return errors.Wrap(err, "could not list repeatable jobs")
	}
	for _, member := range existing {
		existingName, _, perr := parseRepeatMember(member)
		if perr != nil || existingName == name {
			if err := q.rdb.ZRem(ctx, q.repeatKey(), member).Err(); err != nil {
				return errors.Wrap(err, "could not remove stale repeatable job")
			}
		}
	}
	next := float64(time.Now().Add(every).UnixMilli())
	err = q.rdb.ZAdd(ctx, q.repeatKey(), redis.Z{Score: next, Member: repeatMember(name, every)}).Err()
	return errors.Wrapf(err, "could not register repeatable job %s", name)
}

// RemoveRepeatable drops every schedule for the named job.
func (q *Queue) RemoveRepeatable(ctx context.Context, name string) error {
	existing, err := q.rdb.ZRangeByScore(ctx, q.repeatKey(), &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil && err != redis.Nil {
		return errors.Wrap(err, "could not list repeatable jobs")
	}
	for _, member := range existing {
		existingName, _, perr := parseRepeatMember(member)
		if perr == nil && existingName != name {
			continue
		}
		if err := q.rdb.ZRem(ctx, q.repeatKey(), member).Err(); err != nil {
			return errors.Wrap(err, "could not remove repeatable job")
		}
	}
	return nil
}

// FailedCount reports the length of the failed list.
func (q *Queue) FailedCount(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.failedKey()).Result()
	if err != nil && err != redis.Nil {
		return 0, errors.Wrap(err, "could not read failed list")
	}
	return n, nil
}

// take blocks for up to timeout waiting for a job, moving it onto the
// active list. A nil job means the wait timed out.
func (q *Queue) take(ctx context.Context, timeout time.Duration) (*Job, string, error) {
	raw, err := q.rdb.BLMove(ctx, q.waitKey(), q.activeKey(), "RIGHT", "LEFT", timeout).Result()
	if err == redis.Nil {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// A row that cannot decode would wedge the active list; park it
		// with the failures instead.
		q.discardActive(ctx, raw)
		return nil, "", errors.Wrap(err, "could not decode job")
	}
	return &job, raw, nil
}

// complete removes a finished job from the active list. Completed jobs
// are not retained.
func (q *Queue) complete(ctx context.Context, raw string) {
	if err := q.rdb.LRem(ctx, q.activeKey(), 1, raw).Err(); err != nil {
		log.WithError(err).WithField("queue", q.name).Warn("Could not remove completed job")
	}
}

// retryOrFail re-queues the job with a delay while attempts remain, and
// otherwise records it in the capped failed list.
func (q *Queue) retryOrFail(ctx context.Context, job *Job, raw string, cause error) {
	q.complete(ctx, raw)
	job.Attempts++
	if job.Attempts < job.MaxAttempts {
		if err := q.EnqueueIn(ctx, job, retryDelay*time.Duration(job.Attempts)); err != nil {
			log.WithError(err).WithField("job", job.ID).Error("Could not re-queue failed job")
		}
		return
	}
	failed := struct {
		*Job
		Error    string    `json:"error"`
		FailedAt time.Time `json:"failed_at"`
	}{Job: job, Error: cause.Error(), FailedAt: time.Now().UTC()}
	encoded, err := json.Marshal(failed)
	if err != nil {
		log.WithError(err).WithField("job", job.ID).Error("Could not encode failed job")
		return
	}
	if err := q.rdb.LPush(ctx, q.failedKey(), string(encoded)).Err(); err != nil {
		log.WithError(err).WithField("job", job.ID).Error("Could not record failed job")
		return
	}
	if err := q.rdb.LTrim(ctx, q.failedKey(), 0, failedRetention-1).Err(); err != nil {
		log.WithError(err).WithField("queue", q.name).Warn("Could not trim failed list")
	}
}

func (q *Queue) discardActive(ctx context.Context, raw string) {
	if err := q.rdb.LRem(ctx, q.activeKey(), 1, raw).Err(); err != nil {
		log.WithError(err).WithField("queue", q.name).Warn("Could not discard active entry")
	}
	if err := q.rdb.LPush(ctx, q.failedKey(), raw).Err(); err != nil {
		log.WithError(err).WithField("queue", q.name).Warn("Could not park undecodable job")
	}
}

// promoteDue moves delayed jobs whose time has come onto the wait list
// and fires due repeatable jobs, rescheduling each for its next run.
func (q *Queue) promoteDue(ctx context.Context, now time.Time) {
	max := strconv.FormatInt(now.UnixMilli(), 10)

	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil && err != redis.Nil {
		log.WithError(err).WithField("queue", q.name).Warn("Could not read delayed jobs")
	}
	for _, raw := range due {
		if err := q.rdb.ZRem(ctx, q.delayedKey(), raw).Err(); err != nil {
			continue // another worker promoted it first
		}
		if err := q.rdb.LPush(ctx, q.waitKey(), raw).Err(); err != nil {
			log.WithError(err).WithField("queue", q.name).Error("Could not promote delayed job")
		}
	}

	dueRepeats, err := q.rdb.ZRangeByScore(ctx, q.repeatKey(), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil && err != redis.Nil {
		log.WithError(err).WithField("queue", q.name).Warn("Could not read repeatable jobs")
	}
	for _, member := range dueRepeats {
		name, every, perr := parseRepeatMember(member)
		if perr != nil {
			log.WithError(perr).WithField("queue", q.name).Warn("Dropping malformed repeat entry")
			_ = q.rdb.ZRem(ctx, q.repeatKey(), member).Err()
			continue
		}
		if err := q.rdb.ZRem(ctx, q.repeatKey(), member).Err(); err != nil {
			continue
		}
		next := float64(now.Add(every).UnixMilli())
		if err := q.rdb.ZAdd(ctx, q.repeatKey(), redis.Z{Score: next, Member: member}).Err(); err != nil {
			log.WithError(err).WithField("job", name).Error("Could not reschedule repeatable job")
		}
		job := &Job{ID: uuid.NewString(), Name: name, MaxAttempts: 1, EnqueuedAt: now.UTC()}
		if err := q.Enqueue(ctx, job); err != nil {
			log.WithError(err).WithField("job", name).Error("Could not fire repeatable job")
		}
	}
}
