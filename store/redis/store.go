// Package redis implements usage.Store on Redis.
//
// Each counter is a hash holding the count and its record fields. A sorted
// set per user, scored by period start, indexes the user's counters for
// listing. Plans, subscriptions and webhook deliveries stay in the primary
// store; pass this store to tally.WithUsageStore.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/tally"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/types"
	"github.com/xraph/tally/usage"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "tally"

// Hash fields of a counter.
const (
	fieldID          = "id"
	fieldUserID      = "user_id"
	fieldFeatureCode = "feature_code"
	fieldPeriodStart = "period_start"
	fieldPeriodEnd   = "period_end"
	fieldCount       = "count"
	fieldCreatedAt   = "created_at"
	fieldUpdatedAt   = "updated_at"
)

// resetScript zeroes an existing counter and reports whether it existed.
var resetScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'count', 0, 'updated_at', ARGV[1])
return 1
`)

// compile-time interface check
var _ usage.Store = (*Store)(nil)

// Store keeps usage counters in Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix replaces DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// New creates a Store over client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: DefaultPrefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// IncrementUsage runs HINCRBY and the record bookkeeping in one MULTI block.
// HSETNX keeps the id and creation time of the first increment.
func (s *Store) IncrementUsage(ctx context.Context, key usage.Key) (int64, error) {
	k := s.counterKey(key.UserID, key.FeatureCode, key.PeriodStart)
	t := formatTime(s.now())

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, k, fieldCount, 1)
		pipe.HSetNX(ctx, k, fieldID, id.NewUsageRecordID().String())
		pipe.HSetNX(ctx, k, fieldCreatedAt, t)
		pipe.HSet(ctx, k,
			fieldUserID, key.UserID,
			fieldFeatureCode, key.FeatureCode,
			fieldPeriodStart, formatTime(key.PeriodStart),
			fieldPeriodEnd, formatTime(key.PeriodEnd),
			fieldUpdatedAt, t,
		)
		pipe.ZAdd(ctx, s.indexKey(key.UserID), redis.Z{
			Score:  float64(key.PeriodStart.Unix()),
			Member: member(key.FeatureCode, key.PeriodStart),
		})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("tally/redis: increment usage: %w", err)
	}
	return incr.Val(), nil
}

func (s *Store) GetUsage(ctx context.Context, userID, featureCode string, periodStart time.Time) (*usage.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.counterKey(userID, featureCode, periodStart)).Result()
	if err != nil {
		return nil, fmt.Errorf("tally/redis: get usage: %w", err)
	}
	if len(fields) == 0 {
		return nil, tally.ErrUsageNotFound
	}
	return decodeRecord(fields)
}

// ListUsage reads the user's index newest first and loads the counters in
// one pipeline. Filters and paging apply after loading.
func (s *Store) ListUsage(ctx context.Context, userID string, opts usage.ListOpts) ([]*usage.Record, error) {
	lo := "-inf"
	if !opts.Since.IsZero() {
		lo = strconv.FormatInt(opts.Since.Unix(), 10)
	}
	members, err := s.client.ZRevRangeByScore(ctx, s.indexKey(userID), &redis.ZRangeBy{
		Min: lo,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("tally/redis: list usage: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, 0, len(members))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			code, start, ok := parseMember(m)
			if !ok || (opts.FeatureCode != "" && code != opts.FeatureCode) {
				continue
			}
			cmds = append(cmds, pipe.HGetAll(ctx, s.counterKey(userID, code, start)))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("tally/redis: list usage: %w", err)
	}

	records := make([]*usage.Record, 0, len(cmds))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRecord(fields)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].PeriodStart.Equal(records[j].PeriodStart) {
			return records[i].PeriodStart.After(records[j].PeriodStart)
		}
		return records[i].FeatureCode < records[j].FeatureCode
	})

	return paginate(records, opts.Offset, opts.Limit), nil
}

func (s *Store) ResetUsage(ctx context.Context, userID, featureCode string, periodStart time.Time) error {
	k := s.counterKey(userID, featureCode, periodStart)
	n, err := resetScript.Run(ctx, s.client, []string{k}, formatTime(s.now())).Int()
	if err != nil {
		return fmt.Errorf("tally/redis: reset usage: %w", err)
	}
	if n == 0 {
		return tally.ErrUsageNotFound
	}
	return nil
}

// ==================== Keys ====================

// counterKey renders e.g. "tally:usage:u_1:resume_generation:1740787200".
func (s *Store) counterKey(userID, featureCode string, periodStart time.Time) string {
	return s.prefix + ":usage:" + userID + ":" + member(featureCode, periodStart)
}

func (s *Store) indexKey(userID string) string {
	return s.prefix + ":usage_index:" + userID
}

func member(featureCode string, periodStart time.Time) string {
	return featureCode + ":" + strconv.FormatInt(periodStart.Unix(), 10)
}

func parseMember(m string) (string, time.Time, bool) {
	i := strings.LastIndexByte(m, ':')
	if i <= 0 {
		return "", time.Time{}, false
	}
	sec, err := strconv.ParseInt(m[i+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return m[:i], time.Unix(sec, 0).UTC(), true
}

// ==================== Encoding ====================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(fields map[string]string, name string) (time.Time, error) {
	v, ok := fields[name]
	if !ok {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("tally/redis: field %s: %w", name, err)
	}
	return t, nil
}

func decodeRecord(fields map[string]string) (*usage.Record, error) {
	recID, err := id.ParseUsageRecordID(fields[fieldID])
	if err != nil {
		return nil, fmt.Errorf("tally/redis: field %s: %w", fieldID, err)
	}
	count, err := strconv.ParseInt(fields[fieldCount], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("tally/redis: field %s: %w", fieldCount, err)
	}

	rec := &usage.Record{
		ID:          recID,
		UserID:      fields[fieldUserID],
		FeatureCode: fields[fieldFeatureCode],
		Count:       count,
	}
	var created, updated time.Time
	for name, dst := range map[string]*time.Time{
		fieldPeriodStart: &rec.PeriodStart,
		fieldPeriodEnd:   &rec.PeriodEnd,
		fieldCreatedAt:   &created,
		fieldUpdatedAt:   &updated,
	} {
		if *dst, err = parseTime(fields, name); err != nil {
			return nil, err
		}
	}
	rec.Entity = types.Entity{CreatedAt: created, UpdatedAt: updated}
	return rec, nil
}

func paginate(records []*usage.Record, offset, limit int) []*usage.Record {
	if offset > 0 {
		if offset >= len(records) {
			return []*usage.Record{}
		}
		records = records[offset:]
	}
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}
