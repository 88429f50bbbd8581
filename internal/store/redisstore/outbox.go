package redisstore

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/go-redis/redis/v8"

	"hisadmin.org/internal/apperr"
	"hisadmin.org/internal/audit"
)

// StreamSink appends relayed audit events to a Redis stream for downstream
// consumers such as the SIEM forwarder.
type StreamSink struct {
	c      *redis.Client
	stream string
	maxLen int64
}

var _ audit.Sink = (*StreamSink)(nil)

// NewStreamSink publishes to stream, trimming it to roughly maxLen entries
// when maxLen is positive.
func NewStreamSink(c *redis.Client, stream string, maxLen int64) *StreamSink {
	if stream == "" {
		stream = "hisadmin:audit"
	}
	return &StreamSink{c: c, stream: stream, maxLen: maxLen}
}

func (s *StreamSink) Publish(ctx context.Context, ev audit.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"id":     strconv.FormatInt(ev.ID, 10),
			"action": string(ev.Action),
			"module": string(ev.Module),
			"data":   string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.c.XAdd(ctx, args).Err(); err != nil {
		return apperr.Storage("redis publish audit event", err)
	}
	return nil
}

var saveCursorScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if tonumber(ARGV[1]) > cur then redis.call('SET', KEYS[1], ARGV[1]) end
return 1
`)

// Cursor stores the relay position when the audit store has no table for it.
type Cursor struct {
	c   *redis.Client
	key string
}

var _ audit.CursorStore = (*Cursor)(nil)

func NewCursor(c *redis.Client, keyPrefix string) *Cursor {
	return &Cursor{c: c, key: prefix(keyPrefix) + "relay:cursor"}
}

func (c *Cursor) LoadCursor(ctx context.Context) (int64, error) {
	v, err := c.c.Get(ctx, c.key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Storage("redis load relay cursor", err)
	}
	return v, nil
}

// SaveCursor never moves the cursor backwards.
func (c *Cursor) SaveCursor(ctx context.Context, id int64) error {
	if err := saveCursorScript.Run(ctx, c.c, []string{c.key}, id).Err(); err != nil {
		return apperr.Storage("redis save relay cursor", err)
	}
	return nil
}
