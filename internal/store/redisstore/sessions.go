package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"hisadmin.org/internal/apperr"
	"hisadmin.org/internal/iam"
)

// Session layout:
//
//	<p>session:<id>           hash   account ip login seen status ended
//	<p>account:<id>:sessions  set    ids of the account's ACTIVE sessions
//	<p>sessions:active        zset   ACTIVE ids scored by last-seen (unix micros)
//	<p>session:<id>:tomb      string owning account of a terminated session
//
// Terminated hashes stay readable for the retention period and then expire.
// The tombstone does not expire, so a late terminate of the same id is still
// answered as already terminated.

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'account', ARGV[1], 'ip', ARGV[2], 'login', ARGV[3], 'seen', ARGV[4], 'status', 'ACTIVE')
redis.call('SADD', KEYS[2], ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[5])
return 1
`)

var touchScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'ACTIVE' then return 0 end
local at = tonumber(ARGV[1])
if at > tonumber(redis.call('HGET', KEYS[1], 'seen')) then
  redis.call('HSET', KEYS[1], 'seen', ARGV[1])
  redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
end
return 1
`)

// terminateScript expects the caller to have resolved the owning account
// into KEYS[3]; a hash owned by someone else is refused.
var terminateScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'ACTIVE' then return 0 end
if redis.call('HGET', KEYS[1], 'account') ~= ARGV[4] then return -1 end
redis.call('HSET', KEYS[1], 'status', 'TERMINATED', 'ended', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('SREM', KEYS[3], ARGV[2])
redis.call('SET', KEYS[4], ARGV[4])
return 1
`)

// terminateAllScript snapshots and ends the account's sessions in one step,
// so a session created after it runs is left alone.
var terminateAllScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local ended = {}
for _, id in ipairs(ids) do
  local key = ARGV[2] .. id
  if redis.call('HGET', key, 'status') == 'ACTIVE' then
    redis.call('HSET', key, 'status', 'TERMINATED', 'ended', ARGV[1])
    redis.call('PEXPIRE', key, ARGV[3])
    redis.call('SET', key .. ':tomb', ARGV[4])
    redis.call('ZREM', KEYS[2], id)
    table.insert(ended, id)
  end
end
redis.call('DEL', KEYS[1])
return ended
`)

// restoreScript undoes one termination stamped ARGV[1].
var restoreScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'TERMINATED' then return 0 end
if redis.call('HGET', KEYS[1], 'ended') ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'status', 'ACTIVE')
redis.call('HDEL', KEYS[1], 'ended')
redis.call('PERSIST', KEYS[1])
redis.call('DEL', KEYS[4])
redis.call('ZADD', KEYS[2], redis.call('HGET', KEYS[1], 'seen'), ARGV[2])
redis.call('SADD', KEYS[3], ARGV[2])
return 1
`)

// SessionStore implements iam.SessionStore on Redis.
type SessionStore struct {
	c         *redis.Client
	prefix    string
	retention time.Duration
}

var _ iam.SessionStore = (*SessionStore)(nil)

// SessionOption configures a SessionStore.
type SessionOption func(*SessionStore)

// WithKeyPrefix namespaces every key.
func WithKeyPrefix(p string) SessionOption {
	return func(s *SessionStore) { s.prefix = prefix(p) }
}

// WithRetention sets how long terminated sessions remain readable.
func WithRetention(d time.Duration) SessionOption {
	return func(s *SessionStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

func NewSessionStore(c *redis.Client, opts ...SessionOption) *SessionStore {
	s := &SessionStore{c: c, prefix: prefix(""), retention: 24 * time.Hour}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SessionStore) sessionKey(id string) string { return s.prefix + "session:" + id }

func (s *SessionStore) tombKey(id string) string { return s.sessionKey(id) + ":tomb" }

func (s *SessionStore) accountKey(id int64) string {
	return s.prefix + "account:" + strconv.FormatInt(id, 10) + ":sessions"
}

func (s *SessionStore) activeKey() string { return s.prefix + "sessions:active" }

func micros(t time.Time) string { return strconv.FormatInt(t.UTC().UnixMicro(), 10) }

func fromMicros(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(n).UTC(), nil
}

func (s *SessionStore) CreateSession(ctx context.Context, sess iam.Session) error {
	ok, err := createScript.Run(ctx, s.c,
		[]string{s.sessionKey(sess.ID), s.accountKey(sess.AccountID), s.activeKey()},
		sess.AccountID, sess.IP, micros(sess.LoginAt), micros(sess.LastSeen), sess.ID,
	).Int()
	if err != nil {
		return apperr.Storage("redis create session", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: session id collision", apperr.ErrConflict)
	}
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (iam.Session, error) {
	fields, err := s.c.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return iam.Session{}, apperr.Storage("redis get session", err)
	}
	if len(fields) == 0 {
		return s.tombstone(ctx, id)
	}
	return decodeSession(id, fields)
}

// tombstone answers for a terminated session whose hash already expired.
func (s *SessionStore) tombstone(ctx context.Context, id string) (iam.Session, error) {
	owner, err := s.c.Get(ctx, s.tombKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return iam.Session{}, iam.ErrSessionNotFound
	}
	if err != nil {
		return iam.Session{}, apperr.Storage("redis get session", err)
	}
	accountID, err := strconv.ParseInt(owner, 10, 64)
	if err != nil {
		return iam.Session{}, apperr.Storage("redis decode session", err)
	}
	return iam.Session{ID: id, AccountID: accountID, Status: iam.SessionTerminated}, nil
}

func decodeSession(id string, f map[string]string) (iam.Session, error) {
	sess := iam.Session{ID: id, IP: f["ip"], Status: iam.SessionStatus(f["status"])}
	var err error
	if sess.AccountID, err = strconv.ParseInt(f["account"], 10, 64); err != nil {
		return iam.Session{}, apperr.Storage("redis decode session", err)
	}
	if sess.LoginAt, err = fromMicros(f["login"]); err != nil {
		return iam.Session{}, apperr.Storage("redis decode session", err)
	}
	if sess.LastSeen, err = fromMicros(f["seen"]); err != nil {
		return iam.Session{}, apperr.Storage("redis decode session", err)
	}
	if v := f["ended"]; v != "" {
		t, err := fromMicros(v)
		if err != nil {
			return iam.Session{}, apperr.Storage("redis decode session", err)
		}
		sess.TerminatedAt = &t
	}
	return sess, nil
}

func (s *SessionStore) TouchSession(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := touchScript.Run(ctx, s.c, []string{s.sessionKey(id), s.activeKey()}, micros(at), id).Int()
	if err != nil {
		return false, apperr.Storage("redis touch session", err)
	}
	return n == 1, nil
}

func (s *SessionStore) TerminateSession(ctx context.Context, id string, at time.Time) (iam.Session, bool, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return iam.Session{}, false, err
	}
	if sess.Status != iam.SessionActive {
		return sess, false, nil
	}
	keys := []string{s.sessionKey(id), s.activeKey(), s.accountKey(sess.AccountID), s.tombKey(id)}
	n, err := terminateScript.Run(ctx, s.c, keys,
		micros(at), id, s.retention.Milliseconds(), sess.AccountID).Int()
	if err != nil {
		return iam.Session{}, false, apperr.Storage("redis terminate session", err)
	}
	if n < 0 {
		return iam.Session{}, false, fmt.Errorf("%w: session %s changed owner", apperr.ErrConflict, id)
	}
	sess, err = s.GetSession(ctx, id)
	if err != nil {
		return iam.Session{}, false, err
	}
	return sess, n == 1, nil
}

func (s *SessionStore) TerminateAccountSessions(ctx context.Context, accountID int64, at time.Time) ([]iam.Session, error) {
	ids, err := terminateAllScript.Run(ctx, s.c, []string{s.accountKey(accountID), s.activeKey()},
		micros(at), s.prefix+"session:", s.retention.Milliseconds(), accountID).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, apperr.Storage("redis terminate account sessions", err)
	}
	return s.load(ctx, ids, func(iam.Session) bool { return true })
}

func (s *SessionStore) RestoreSessions(ctx context.Context, sessions []iam.Session, at time.Time) error {
	for _, sess := range sessions {
		keys := []string{s.sessionKey(sess.ID), s.activeKey(), s.accountKey(sess.AccountID), s.tombKey(sess.ID)}
		if err := restoreScript.Run(ctx, s.c, keys, micros(at), sess.ID).Err(); err != nil {
			return apperr.Storage("redis restore session", err)
		}
	}
	return nil
}

func (s *SessionStore) ListOnline(ctx context.Context, f iam.OnlineFilter) ([]iam.Session, error) {
	keep := func(sess iam.Session) bool {
		return sess.Status == iam.SessionActive && !sess.LastSeen.Before(f.Since) &&
			(f.AccountID == 0 || sess.AccountID == f.AccountID)
	}
	if f.AccountID != 0 {
		ids, err := s.c.SMembers(ctx, s.accountKey(f.AccountID)).Result()
		if err != nil {
			return nil, apperr.Storage("redis list account sessions", err)
		}
		return s.load(ctx, ids, keep)
	}
	lo := "-inf"
	if !f.Since.IsZero() {
		lo = micros(f.Since)
	}
	ids, err := s.c.ZRangeByScore(ctx, s.activeKey(), &redis.ZRangeBy{Min: lo, Max: "+inf"}).Result()
	if err != nil {
		return nil, apperr.Storage("redis list online", err)
	}
	return s.load(ctx, ids, keep)
}

func (s *SessionStore) ListIdle(ctx context.Context, before time.Time) ([]iam.Session, error) {
	ids, err := s.c.ZRangeByScore(ctx, s.activeKey(), &redis.ZRangeBy{Min: "-inf", Max: "(" + micros(before)}).Result()
	if err != nil {
		return nil, apperr.Storage("redis list idle", err)
	}
	return s.load(ctx, ids, func(sess iam.Session) bool {
		return sess.Status == iam.SessionActive && sess.LastSeen.Before(before)
	})
}

// load fetches ids in one pipeline; ids whose hash expired are skipped.
func (s *SessionStore) load(ctx context.Context, ids []string, keep func(iam.Session) bool) ([]iam.Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.c.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, apperr.Storage("redis load sessions", err)
	}
	var out []iam.Session
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		sess, err := decodeSession(ids[i], fields)
		if err != nil {
			return nil, err
		}
		if keep(sess) {
			out = append(out, sess)
		}
	}
	return out, nil
}
