package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"hisadmin.org/internal/audit"
)

// auditPartitionLock is the advisory lock key that serialises audit appends.
const auditPartitionLock int64 = 0x48495341

const auditColumns = `id, occurred_at, actor_id, actor_name, action, module, entity_type, entity_id, ip, request_id, description, outcome, prev_hash, hash`

func scanEvent(row rowScanner) (audit.Event, error) {
	var ev audit.Event
	err := row.Scan(&ev.ID, &ev.OccurredAt, &ev.ActorID, &ev.ActorName, &ev.Action, &ev.Module,
		&ev.EntityType, &ev.EntityID, &ev.IP, &ev.RequestID, &ev.Description, &ev.Outcome, &ev.PrevHash, &ev.Hash)
	if err != nil {
		return audit.Event{}, err
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	return ev, nil
}

// Append assigns the next id under a transaction-scoped advisory lock, so
// ids and the hash chain follow commit order. It joins the caller's
// transaction when there is one.
func (s *Store) Append(ctx context.Context, ev audit.Event, seal audit.SealFunc) (audit.Event, error) {
	var stored audit.Event
	err := s.InTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		if _, err := q.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, auditPartitionLock); err != nil {
			return storageErr("lock audit partition", err)
		}
		var (
			lastID   int64
			lastHash []byte
		)
		err := q.QueryRowContext(ctx, `select id, hash from audit_events order by id desc limit 1`).Scan(&lastID, &lastHash)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return storageErr("read audit head", err)
		}
		ev.ID = lastID + 1
		if seal != nil {
			if err := seal(lastHash, &ev); err != nil {
				return err
			}
		}
		_, err = q.ExecContext(ctx, `
			insert into audit_events (`+auditColumns+`)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, ev.ID, ev.OccurredAt.UTC(), ev.ActorID, ev.ActorName, string(ev.Action), string(ev.Module),
			ev.EntityType, ev.EntityID, ev.IP, ev.RequestID, ev.Description, string(ev.Outcome), ev.PrevHash, ev.Hash)
		if err != nil {
			return storageErr("insert audit event", err)
		}
		stored = ev
		return nil
	})
	if err != nil {
		return audit.Event{}, err
	}
	return stored, nil
}

// auditWhere renders f as a conjunction; unset fields add no predicate.
func auditWhere(f audit.Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(expr string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}
	if f.Username != "" {
		add("lower(actor_name) = lower($%d)", f.Username)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.Module != "" {
		add("module = $%d", string(f.Module))
	}
	if f.EntityType != "" {
		add("entity_type = $%d", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.IP != "" {
		add("ip = $%d", f.IP)
	}
	if f.Outcome != "" {
		add("outcome = $%d", string(f.Outcome))
	}
	if f.From != nil {
		add("occurred_at >= $%d", f.From.UTC())
	}
	if f.To != nil {
		add("occurred_at < $%d", f.To.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " where " + strings.Join(clauses, " and "), args
}

func (s *Store) Search(ctx context.Context, f audit.Filter, page, size int) (audit.Page, error) {
	where, args := auditWhere(f)
	out := audit.Page{Page: page, Size: size, Items: []audit.Event{}}
	if err := s.conn(ctx).QueryRowContext(ctx, `select count(*) from audit_events`+where, args...).Scan(&out.Total); err != nil {
		return audit.Page{}, storageErr("count audit events", err)
	}
	n := len(args)
	query := fmt.Sprintf(`select %s from audit_events%s order by id desc limit $%d offset $%d`, auditColumns, where, n+1, n+2)
	rows, err := s.conn(ctx).QueryContext(ctx, query, append(args, size, (page-1)*size)...)
	if err != nil {
		return audit.Page{}, storageErr("search audit events", err)
	}
	defer rows.Close()
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return audit.Page{}, storageErr("scan audit event", err)
		}
		out.Items = append(out.Items, ev)
	}
	if err := rows.Err(); err != nil {
		return audit.Page{}, storageErr("search audit events", err)
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context, start *time.Time, end time.Time) (audit.Stats, error) {
	out := audit.Stats{Start: start, End: end, ByAction: map[audit.Action]int{}, ByModule: map[audit.Module]int{}}
	where, args := auditWhere(audit.Filter{From: start, To: &end})
	rows, err := s.conn(ctx).QueryContext(ctx, `
		select action, module, count(*)
		from audit_events`+where+`
		group by action, module
	`, args...)
	if err != nil {
		return audit.Stats{}, storageErr("audit statistics", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			action string
			module string
			n      int
		)
		if err := rows.Scan(&action, &module, &n); err != nil {
			return audit.Stats{}, storageErr("scan audit statistics", err)
		}
		out.Total += n
		out.ByAction[audit.Action(action)] += n
		out.ByModule[audit.Module(module)] += n
	}
	if err := rows.Err(); err != nil {
		return audit.Stats{}, storageErr("audit statistics", err)
	}
	return out, nil
}

func (s *Store) After(ctx context.Context, afterID int64, limit int) ([]audit.Event, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		select `+auditColumns+`
		from audit_events
		where id > $1
		order by id
		limit $2
	`, afterID, limit)
	if err != nil {
		return nil, storageErr("tail audit events", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, storageErr("scan audit event", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("tail audit events", err)
	}
	return out, nil
}

// relayCursorName identifies the outbox relay's row in relay_cursors.
const relayCursorName = "audit-relay"

func (s *Store) LoadCursor(ctx context.Context) (int64, error) {
	var id int64
	err := s.conn(ctx).QueryRowContext(ctx, `select last_id from relay_cursors where name = $1`, relayCursorName).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("load relay cursor", err)
	}
	return id, nil
}

func (s *Store) SaveCursor(ctx context.Context, id int64) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		insert into relay_cursors (name, last_id, updated_at)
		values ($1, $2, now())
		on conflict (name) do update
		set last_id = greatest(relay_cursors.last_id, excluded.last_id), updated_at = now()
	`, relayCursorName, id)
	return storageErr("save relay cursor", err)
}
