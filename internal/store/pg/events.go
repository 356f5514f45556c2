package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"otportal.org/internal/auth"
)

const maxEventRows = 10000

type outboxStore struct{ q querier }

func (o outboxStore) Enqueue(ctx context.Context, n *auth.Notification) error {
	payload, err := marshalDetail(n.Payload)
	if err != nil {
		return err
	}
	_, err = o.q.ExecContext(ctx, `
		insert into notification_outbox (id, kind, recipient, payload, created_at)
		values ($1, $2, $3, $4, $5)
	`, n.ID, n.Kind, n.Recipient, payload, n.CreatedAt)
	return mapError(err)
}

type eventStore struct{ q querier }

func (e eventStore) Append(ctx context.Context, ev *auth.SecurityEvent) error {
	detail, err := marshalDetail(ev.Detail)
	if err != nil {
		return err
	}
	_, err = e.q.ExecContext(ctx, `
		insert into security_events (id, occurred_at, user_id, event_type, ip, user_agent, detail)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.OccurredAt, nullIfEmpty(ev.UserID), ev.Type, nullIfEmpty(ev.IP), nullIfEmpty(ev.UserAgent), detail)
	return err
}

func (e eventStore) List(ctx context.Context, limit int) ([]auth.SecurityEvent, error) {
	if limit <= 0 || limit > maxEventRows {
		limit = maxEventRows
	}
	rows, err := e.q.QueryContext(ctx, `
		select id, occurred_at, coalesce(user_id, ''), event_type, coalesce(ip, ''), coalesce(user_agent, ''), detail
		from security_events
		order by occurred_at desc, id desc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.SecurityEvent
	for rows.Next() {
		var (
			ev  auth.SecurityEvent
			raw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.OccurredAt, &ev.UserID, &ev.Type, &ev.IP, &ev.UserAgent, &raw); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ev.Detail); err != nil {
				return nil, fmt.Errorf("decode detail: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalDetail(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal detail: %w", err)
	}
	return b, nil
}
