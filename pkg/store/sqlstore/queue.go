package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/wilhg/pantrysync/internal/migrate"
	"github.com/wilhg/pantrysync/pkg/errmodel"
	"github.com/wilhg/pantrysync/pkg/store"
)

// Enqueue appends a pending mutation. Calls are serialized so autoincrement
// IDs come out gapless and in call order.
func (s *Store) Enqueue(ctx context.Context, method store.Method, endpoint string, payload json.RawMessage) (store.QueuedMutation, error) {
	if method.Kind() == "" {
		return store.QueuedMutation{}, errmodel.Validation("bad_method", "method cannot be queued", map[string]any{"method": string(method)})
	}
	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()

	now := s.now()
	var body any
	if len(payload) > 0 {
		body = string(payload)
	}
	ins := s.builder().Insert(migrate.QueueTable).
		Columns(
			migrate.QueueFieldMethod,
			migrate.QueueFieldEndpoint,
			migrate.QueueFieldPayload,
			migrate.QueueFieldCreatedAt,
			migrate.QueueFieldStatus,
		).
		Values(string(method), endpoint, body, now.UnixMilli(), string(store.StatusPending))

	var id int64
	if s.dialect == dialect.Postgres {
		q, args := ins.Returning(migrate.QueueFieldID).Query()
		if err := s.db.QueryRowContext(ctx, q, args...).Scan(&id); err != nil {
			return store.QueuedMutation{}, errmodel.Storage("enqueue", err)
		}
	} else {
		q, args := ins.Query()
		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return store.QueuedMutation{}, errmodel.Storage("enqueue", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return store.QueuedMutation{}, errmodel.Storage("enqueue", err)
		}
	}
	return store.QueuedMutation{
		ID:         id,
		Method:     method,
		Endpoint:   endpoint,
		Payload:    payload,
		EnqueuedAt: time.UnixMilli(now.UnixMilli()),
		Status:     store.StatusPending,
	}, nil
}

// ListPending returns pending mutations in enqueue order.
func (s *Store) ListPending(ctx context.Context) ([]store.QueuedMutation, error) {
	q, args := s.builder().
		Select(
			migrate.QueueFieldID,
			migrate.QueueFieldMethod,
			migrate.QueueFieldEndpoint,
			migrate.QueueFieldPayload,
			migrate.QueueFieldCreatedAt,
			migrate.QueueFieldStatus,
		).
		From(s.builder().Table(migrate.QueueTable)).
		Where(entsql.EQ(migrate.QueueFieldStatus, string(store.StatusPending))).
		OrderBy(entsql.Asc(migrate.QueueFieldID)).
		Query()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errmodel.Storage("list_pending", err)
	}
	defer rows.Close()

	var out []store.QueuedMutation
	for rows.Next() {
		var (
			m       store.QueuedMutation
			method  string
			status  string
			payload sql.NullString
			created int64
		)
		if err := rows.Scan(&m.ID, &method, &m.Endpoint, &payload, &created, &status); err != nil {
			return nil, errmodel.Storage("list_pending", err)
		}
		m.Method = store.Method(method)
		m.Status = store.Status(status)
		m.EnqueuedAt = time.UnixMilli(created)
		if payload.Valid {
			m.Payload = json.RawMessage(payload.String)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errmodel.Storage("list_pending", err)
	}
	return out, nil
}

// MarkSynced flips a mutation to synced. It stays in the table until PurgeSynced.
func (s *Store) MarkSynced(ctx context.Context, id int64) error {
	q, args := s.builder().Update(migrate.QueueTable).
		Set(migrate.QueueFieldStatus, string(store.StatusSynced)).
		Where(entsql.EQ(migrate.QueueFieldID, id)).
		Query()
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return errmodel.Storage("mark_synced", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errmodel.Validation("not_found", "queued mutation not found", map[string]any{"id": id})
	}
	return nil
}

// PurgeSynced deletes all synced mutations in one transaction.
func (s *Store) PurgeSynced(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errmodel.Storage("purge_synced", err)
	}
	defer func() { _ = tx.Rollback() }()

	q, args := s.builder().Delete(migrate.QueueTable).
		Where(entsql.EQ(migrate.QueueFieldStatus, string(store.StatusSynced))).
		Query()
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, errmodel.Storage("purge_synced", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, errmodel.Storage("purge_synced", err)
	}
	return n, nil
}

// PendingCount counts pending mutations.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	q, args := s.builder().
		Select(entsql.Count("*")).
		From(s.builder().Table(migrate.QueueTable)).
		Where(entsql.EQ(migrate.QueueFieldStatus, string(store.StatusPending))).
		Query()
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, errmodel.Storage("pending_count", err)
	}
	return n, nil
}

// ClearQueue drops every queued mutation, pending or not.
func (s *Store) ClearQueue(ctx context.Context) error {
	q, args := s.builder().Delete(migrate.QueueTable).Query()
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return errmodel.Storage("clear_queue", err)
	}
	return nil
}
