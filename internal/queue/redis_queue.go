package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"riskmate-sync/internal/config"
	"riskmate-sync/internal/models"
	"riskmate-sync/internal/telemetry"
)

// Kind tags for retry-set members.
const (
	KindUpdate   = "upd"
	KindCreation = "cre"
)

// PendingQueue stores offline field edits and draft entities in Redis.
//
// Updates live in one ordered list per entity, with two side hashes: one
// keyed by seq (for ack/clear identity) and one keyed by field (so a
// newer edit of the same field supersedes the older one). Drafts live in
// one ordered list per parent, indexed by draft id for pending-only
// reads. A shared zset tracks which entities have work due for flushing.
//
// Readers never mutate queue state; clearing is reserved for the syncer
// after a durable upstream ack.
type PendingQueue struct {
	client        *redis.Client
	updatePrefix  string
	draftPrefix   string
	retryKey      string
	attemptsKey   string
	deadLetterKey string
}

// NewPendingQueue builds a queue client from config.
func NewPendingQueue(cfg config.Config) *PendingQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	dlq := cfg.DeadLetterKey
	if dlq == "" {
		dlq = "pending:dead"
	}
	return &PendingQueue{
		client:        client,
		updatePrefix:  "pending:updates:",
		draftPrefix:   "pending:drafts:",
		retryKey:      "pending:retry",
		attemptsKey:   "pending:attempts",
		deadLetterKey: dlq,
	}
}

func (q *PendingQueue) updateListKey(entityType, entityID string) string {
	return fmt.Sprintf("%s%s:%s", q.updatePrefix, entityType, entityID)
}

func (q *PendingQueue) updateSeqKey(entityType, entityID string) string {
	return fmt.Sprintf("%s%s:%s:byseq", q.updatePrefix, entityType, entityID)
}

func (q *PendingQueue) updateFieldKey(entityType, entityID string) string {
	return fmt.Sprintf("%s%s:%s:byfield", q.updatePrefix, entityType, entityID)
}

func (q *PendingQueue) draftListKey(entityType, parentID string) string {
	return fmt.Sprintf("%s%s:%s", q.draftPrefix, entityType, parentID)
}

func (q *PendingQueue) draftSeqKey(entityType, parentID string) string {
	return fmt.Sprintf("%s%s:%s:byseq", q.draftPrefix, entityType, parentID)
}

func (q *PendingQueue) draftIDKey(entityType string) string {
	return fmt.Sprintf("%s%s:byid", q.draftPrefix, entityType)
}

// RetryMember encodes a flush-queue member for an entity's updates or a
// parent's drafts.
func RetryMember(kind, entityType, id string) string {
	return kind + "|" + entityType + "|" + id
}

// ParseRetryMember splits a flush-queue member back into its parts.
func ParseRetryMember(member string) (kind, entityType, id string, err error) {
	parts := strings.SplitN(member, "|", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed retry member %q", member)
	}
	return parts[0], parts[1], parts[2], nil
}

// EnqueueUpdate appends a field edit for an entity, keeping at most one
// pending entry per (entity, field). Last-write-wins is decided by the
// mutation timestamp: a newer edit evicts the incumbent, an edit older
// than the incumbent is dropped. Equal timestamps favor the newcomer.
func (q *PendingQueue) EnqueueUpdate(ctx context.Context, m models.PendingMutation) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mutation: %w", err)
	}
	keys := []string{
		q.updateListKey(m.EntityType, m.EntityID),
		q.updateSeqKey(m.EntityType, m.EntityID),
		q.updateFieldKey(m.EntityType, m.EntityID),
		q.retryKey,
	}
	member := RetryMember(KindUpdate, m.EntityType, m.EntityID)
	now := time.Now().UnixMilli()
	accepted, err := enqueueUpdateScript.Run(ctx, q.client, keys,
		raw, m.Seq, m.Field, member, now, m.Timestamp.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("enqueue update: %w", err)
	}
	if accepted == 1 {
		telemetry.MutationsEnqueued.Inc()
	}
	return nil
}

// PendingUpdates returns the queued edits for an entity in insertion
// order, oldest first. Entries that fail to decode are skipped so one
// corrupt record cannot block the rest. Read-only.
func (q *PendingQueue) PendingUpdates(ctx context.Context, entityType, entityID string) ([]models.PendingMutation, error) {
	raws, err := q.client.LRange(ctx, q.updateListKey(entityType, entityID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read pending updates: %w", err)
	}
	out := make([]models.PendingMutation, 0, len(raws))
	for _, raw := range raws {
		var m models.PendingMutation
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			log.Printf("skipping corrupt pending update for %s/%s: %v", entityType, entityID, err)
			telemetry.CorruptEntriesSkipped.Inc()
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ClearUpdate removes an acked edit by seq. Only the syncer calls this,
// and only after the upstream write is durably acknowledged.
func (q *PendingQueue) ClearUpdate(ctx context.Context, entityType, entityID, seq, field string) error {
	keys := []string{
		q.updateListKey(entityType, entityID),
		q.updateSeqKey(entityType, entityID),
		q.updateFieldKey(entityType, entityID),
	}
	if err := clearUpdateScript.Run(ctx, q.client, keys, seq, field).Err(); err != nil {
		return fmt.Errorf("clear update: %w", err)
	}
	return q.client.HDel(ctx, q.attemptsKey, seq).Err()
}

// EnqueueCreation appends a draft entity under its parent and indexes it
// by draft id so pending-only reads can find it without the parent.
func (q *PendingQueue) EnqueueCreation(ctx context.Context, c models.PendingCreation) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	entityType := c.Entity.Type
	member := RetryMember(KindCreation, entityType, c.ParentID)
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.draftListKey(entityType, c.ParentID), raw)
	pipe.HSet(ctx, q.draftSeqKey(entityType, c.ParentID), c.Seq, raw)
	pipe.HSet(ctx, q.draftIDKey(entityType), c.Entity.ID, raw)
	pipe.ZAddNX(ctx, q.retryKey, redis.Z{Score: float64(time.Now().UnixMilli()), Member: member})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue draft: %w", err)
	}
	telemetry.DraftsEnqueued.Inc()
	return nil
}

// PendingCreations returns decoded drafts for a parent in insertion
// order. Malformed payloads are skipped and counted, never fatal: one
// corrupt draft must not hide its siblings.
func (q *PendingQueue) PendingCreations(ctx context.Context, entityType, parentID string) ([]models.PendingCreation, error) {
	raws, err := q.client.LRange(ctx, q.draftListKey(entityType, parentID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read pending drafts: %w", err)
	}
	out := make([]models.PendingCreation, 0, len(raws))
	for _, raw := range raws {
		c, ok := decodeDraft(entityType, raw)
		if !ok {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// CreationByID looks up a single draft by its client-assigned id. Used
// by the read cascade when no canonical or cached data exists.
func (q *PendingQueue) CreationByID(ctx context.Context, entityType, entityID string) (models.PendingCreation, bool, error) {
	raw, err := q.client.HGet(ctx, q.draftIDKey(entityType), entityID).Result()
	if err == redis.Nil {
		return models.PendingCreation{}, false, nil
	}
	if err != nil {
		return models.PendingCreation{}, false, fmt.Errorf("lookup draft: %w", err)
	}
	c, ok := decodeDraft(entityType, raw)
	if !ok {
		return models.PendingCreation{}, false, nil
	}
	return c, true, nil
}

func decodeDraft(entityType, raw string) (models.PendingCreation, bool) {
	var c models.PendingCreation
	if err := json.Unmarshal([]byte(raw), &c); err != nil || c.Entity.ID == "" {
		log.Printf("skipping corrupt draft for type %s: %v", entityType, err)
		telemetry.CorruptDraftsSkipped.Inc()
		return models.PendingCreation{}, false
	}
	return c, true
}

// ClearCreation removes an acked (or canonically confirmed) draft.
func (q *PendingQueue) ClearCreation(ctx context.Context, entityType, parentID, seq, entityID string) error {
	keys := []string{
		q.draftListKey(entityType, parentID),
		q.draftSeqKey(entityType, parentID),
		q.draftIDKey(entityType),
	}
	if err := clearDraftScript.Run(ctx, q.client, keys, seq, entityID).Err(); err != nil {
		return fmt.Errorf("clear draft: %w", err)
	}
	return q.client.HDel(ctx, q.attemptsKey, seq).Err()
}

// DueEntities returns flush-queue members whose retry time has passed.
func (q *PendingQueue) DueEntities(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.client.ZRangeByScore(ctx, q.retryKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
}

// ScheduleRetry pushes an entity's next flush attempt into the future.
func (q *PendingQueue) ScheduleRetry(ctx context.Context, member string, at time.Time) error {
	return q.client.ZAdd(ctx, q.retryKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: member,
	}).Err()
}

// DrainedIfEmpty removes an entity from the flush queue, but only while
// its pending list is actually empty; a concurrent enqueue either lands
// before the check (so the member stays) or re-adds it afterwards.
func (q *PendingQueue) DrainedIfEmpty(ctx context.Context, kind, entityType, id string) error {
	listKey := q.updateListKey(entityType, id)
	if kind == KindCreation {
		listKey = q.draftListKey(entityType, id)
	}
	member := RetryMember(kind, entityType, id)
	return drainedScript.Run(ctx, q.client, []string{listKey, q.retryKey}, member).Err()
}

// IncrAttempt bumps and returns the delivery attempt count for a queue entry.
func (q *PendingQueue) IncrAttempt(ctx context.Context, seq string) (int, error) {
	n, err := q.client.HIncrBy(ctx, q.attemptsKey, seq, 1).Result()
	return int(n), err
}

// DeadLetterPush parks an entry that exhausted its flush attempts.
func (q *PendingQueue) DeadLetterPush(ctx context.Context, entry any) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return q.client.RPush(ctx, q.deadLetterKey, raw).Err()
}

// DeadLetterPeek reads the oldest parked entries for operational inspection.
func (q *PendingQueue) DeadLetterPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.deadLetterKey, 0, count-1).Result()
}

// PendingDepth returns the total count of queued edits and drafts across
// all entities currently in the flush queue.
func (q *PendingQueue) PendingDepth(ctx context.Context) (int64, error) {
	members, err := q.client.ZRange(ctx, q.retryKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(members))
	for _, member := range members {
		kind, entityType, id, err := ParseRetryMember(member)
		if err != nil {
			continue
		}
		if kind == KindCreation {
			cmds = append(cmds, pipe.LLen(ctx, q.draftListKey(entityType, id)))
		} else {
			cmds = append(cmds, pipe.LLen(ctx, q.updateListKey(entityType, id)))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// enqueueUpdateScript inserts an edit under per-field last-write-wins.
// The byfield hash stores "seq|tsmillis" so the incumbent's timestamp
// can be compared without decoding its JSON payload: an incumbent with
// a strictly newer timestamp keeps its place and the newcomer is
// dropped, otherwise the incumbent is evicted.
var enqueueUpdateScript = redis.NewScript(`
local list, byseq, byfield, retry = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local raw, seq, field, member, now, ts = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6]
local prev = redis.call('HGET', byfield, field)
if prev then
  local sep = string.find(prev, '|', 1, true)
  local oldseq = string.sub(prev, 1, sep - 1)
  local oldts = tonumber(string.sub(prev, sep + 1))
  if oldts and oldts > tonumber(ts) then
    return 0
  end
  local oldraw = redis.call('HGET', byseq, oldseq)
  if oldraw then redis.call('LREM', list, 0, oldraw) end
  redis.call('HDEL', byseq, oldseq)
end
redis.call('RPUSH', list, raw)
redis.call('HSET', byseq, seq, raw)
redis.call('HSET', byfield, field, seq .. '|' .. ts)
redis.call('ZADD', retry, 'NX', now, member)
return 1
`)

var clearUpdateScript = redis.NewScript(`
local list, byseq, byfield = KEYS[1], KEYS[2], KEYS[3]
local seq, field = ARGV[1], ARGV[2]
local raw = redis.call('HGET', byseq, seq)
if not raw then return 0 end
redis.call('LREM', list, 0, raw)
redis.call('HDEL', byseq, seq)
local cur = redis.call('HGET', byfield, field)
if cur then
  local sep = string.find(cur, '|', 1, true)
  if sep and string.sub(cur, 1, sep - 1) == seq then
    redis.call('HDEL', byfield, field)
  end
end
return 1
`)

var drainedScript = redis.NewScript(`
local list, retry = KEYS[1], KEYS[2]
if redis.call('LLEN', list) == 0 then
  redis.call('ZREM', retry, ARGV[1])
  return 1
end
return 0
`)

var clearDraftScript = redis.NewScript(`
local list, byseq, byid = KEYS[1], KEYS[2], KEYS[3]
local seq, id = ARGV[1], ARGV[2]
local raw = redis.call('HGET', byseq, seq)
if raw then
  redis.call('LREM', list, 0, raw)
  redis.call('HDEL', byseq, seq)
end
redis.call('HDEL', byid, id)
return 1
`)
