// Package queue is the Redis-backed dispatch fabric: four priority streams
// consumed through a consumer group, a sorted set for delayed entries and a
// dead-letter list for jobs that exhausted their retry budget.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marionette/backend/internal/core"
)

const (
	streamPrefix = "queue:"
	delayedKey   = "queue:delayed"
	deadKey      = "queue:dead"
)

// ErrEmpty is returned by Next when no stream held an entry within the
// block window.
var ErrEmpty = errors.New("queues empty")

// Entry is one claimed stream message.
type Entry struct {
	MessageID string
	Stream    string
	JobID     string
	Priority  core.Priority
}

// Queue wraps the stream topology. One consumer group spans all four
// priority streams.
type Queue struct {
	rdb   *redis.Client
	group string
}

func New(rdb *redis.Client, group string) *Queue {
	return &Queue{rdb: rdb, group: group}
}

func streamKey(p core.Priority) string {
	return streamPrefix + strconv.Itoa(int(p))
}

// EnsureGroups creates the consumer group on every priority stream,
// creating the streams as needed. Safe to call repeatedly.
func (q *Queue) EnsureGroups(ctx context.Context) error {
	for p := core.PriorityEmergency; p <= core.PriorityLow; p++ {
		err := q.rdb.XGroupCreateMkStream(ctx, streamKey(p), q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group on %s: %w", streamKey(p), err)
		}
	}
	return nil
}

// Enqueue appends the job to its priority stream with the fields a
// dispatcher needs. FIFO within a stream is the stream's own ordering.
func (q *Queue) Enqueue(ctx context.Context, job *core.Job) error {
	priority := job.Priority
	if !core.ValidPriority(priority) {
		priority = core.PriorityNormal
	}
	values := map[string]interface{}{
		"job_id":      job.ID,
		"domain":      job.Domain,
		"url":         job.URL,
		"job_type":    string(job.Type),
		"strategy":    string(job.Strategy),
		"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if job.Payload != nil {
		if data, err := json.Marshal(job.Payload); err == nil {
			values["payload"] = string(data)
		}
	}
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(priority),
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// enqueueID re-enqueues by id alone, used for promoted retries where the
// dispatcher reloads the row anyway.
func (q *Queue) enqueueID(ctx context.Context, jobID string, priority core.Priority) error {
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(priority),
		Values: map[string]interface{}{
			"job_id":      jobID,
			"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("re-enqueue job %s: %w", jobID, err)
	}
	return nil
}

// EnqueueDelayed parks the job until due, encoded as member "jobID|priority"
// scored by the due unix time.
func (q *Queue) EnqueueDelayed(ctx context.Context, jobID string, priority core.Priority, due time.Time) error {
	member := fmt.Sprintf("%s|%d", jobID, int(priority))
	err := q.rdb.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(due.Unix()),
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue delayed job %s: %w", jobID, err)
	}
	return nil
}

// PromoteDue moves every delayed entry whose time has come onto its main
// stream. Returns how many were promoted.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	members, err := q.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed set: %w", err)
	}

	promoted := 0
	for _, member := range members {
		jobID, priority := decodeDelayed(member)
		if err := q.enqueueID(ctx, jobID, priority); err != nil {
			return promoted, err
		}
		if err := q.rdb.ZRem(ctx, delayedKey, member).Err(); err != nil {
			return promoted, fmt.Errorf("remove promoted entry: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

func decodeDelayed(member string) (string, core.Priority) {
	jobID, prio := member, core.PriorityNormal
	if idx := strings.LastIndex(member, "|"); idx >= 0 {
		jobID = member[:idx]
		if n, err := strconv.Atoi(member[idx+1:]); err == nil && core.ValidPriority(core.Priority(n)) {
			prio = core.Priority(n)
		}
	}
	return jobID, prio
}

// Next claims the next entry, scanning streams strictly in priority order
// with a short block on each. Emergency work is always taken before lower
// priorities regardless of queue depth.
func (q *Queue) Next(ctx context.Context, consumer string, block time.Duration) (*Entry, error) {
	for p := core.PriorityEmergency; p <= core.PriorityLow; p++ {
		res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{streamKey(p), ">"},
			Count:    1,
			Block:    block,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", streamKey(p), err)
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				jobID, _ := msg.Values["job_id"].(string)
				return &Entry{
					MessageID: msg.ID,
					Stream:    stream.Stream,
					JobID:     jobID,
					Priority:  p,
				}, nil
			}
		}
	}
	return nil, ErrEmpty
}

// Ack acknowledges a claimed entry so it is never redelivered.
func (q *Queue) Ack(ctx context.Context, entry *Entry) error {
	if err := q.rdb.XAck(ctx, entry.Stream, q.group, entry.MessageID).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", entry.MessageID, entry.Stream, err)
	}
	return nil
}

// DeadLetter records a job that exhausted its budget, with its final error.
func (q *Queue) DeadLetter(ctx context.Context, jobID, finalError string) error {
	payload := fmt.Sprintf(`{"job_id":%q,"error":%q,"at":%q}`,
		jobID, finalError, time.Now().UTC().Format(time.RFC3339))
	if err := q.rdb.LPush(ctx, deadKey, payload).Err(); err != nil {
		return fmt.Errorf("dead-letter job %s: %w", jobID, err)
	}
	return nil
}

// Depths reports the backlog across the topology.
type Depths struct {
	Streams map[core.Priority]int64 `json:"streams"`
	Delayed int64                   `json:"delayed"`
	Dead    int64                   `json:"dead"`
}

func (q *Queue) Depths(ctx context.Context) (*Depths, error) {
	out := &Depths{Streams: map[core.Priority]int64{}}
	for p := core.PriorityEmergency; p <= core.PriorityLow; p++ {
		n, err := q.rdb.XLen(ctx, streamKey(p)).Result()
		if err != nil {
			return nil, fmt.Errorf("depth of %s: %w", streamKey(p), err)
		}
		out.Streams[p] = n
	}
	var err error
	if out.Delayed, err = q.rdb.ZCard(ctx, delayedKey).Result(); err != nil {
		return nil, fmt.Errorf("delayed depth: %w", err)
	}
	if out.Dead, err = q.rdb.LLen(ctx, deadKey).Result(); err != nil {
		return nil, fmt.Errorf("dead depth: %w", err)
	}
	return out, nil
}
