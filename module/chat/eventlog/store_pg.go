package eventlog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bapcai02/NovaChat-sub000/module/chat/event"
	errs "github.com/bapcai02/NovaChat-sub000/tools/errs"
)

const pgEventSchema = `
CREATE TABLE IF NOT EXISTS channel_events (
    event_id      TEXT   NOT NULL,
    channel_id    TEXT   NOT NULL,
    seq           BIGINT NOT NULL,
    kind          INT    NOT NULL,
    actor_id      TEXT   NOT NULL,
    payload       BYTEA  NOT NULL,
    created_at_ms BIGINT NOT NULL,
    PRIMARY KEY (channel_id, seq)
);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_channel_events_event_id ON channel_events (event_id);
`

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore 事件日志的 Postgres 实现。追加即 INSERT，
// 主键 (channel_id, seq) 保证每频道 seq 唯一。
func NewPgStore(ctx context.Context, pool *pgxpool.Pool) (Store, error) {
	if _, err := pool.Exec(ctx, pgEventSchema); err != nil {
		return nil, errs.WrapMsg(err, "ensure channel_events schema")
	}
	return &pgStore{pool: pool}, nil
}

func (s *pgStore) Insert(ctx context.Context, e *event.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO channel_events (event_id, channel_id, seq, kind, actor_id, payload, created_at_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.ChannelID, int64(e.Seq), int32(e.Kind), e.ActorID, e.Payload, e.CreatedAtMS,
	)
	return err
}

func (s *pgStore) MaxSeq(ctx context.Context, channelID string) (uint64, error) {
	var max int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM channel_events WHERE channel_id = $1`,
		channelID,
	).Scan(&max)
	if err != nil {
		return 0, err
	}
	return uint64(max), nil
}

func (s *pgStore) Range(ctx context.Context, channelID string, fromSeq, toSeq uint64, limit int) ([]*event.Event, error) {
	if fromSeq > toSeq {
		return nil, nil
	}
	q := `SELECT event_id, channel_id, seq, kind, actor_id, payload, created_at_ms
	      FROM channel_events
	      WHERE channel_id = $1 AND seq >= $2 AND seq <= $3
	      ORDER BY seq ASC`
	args := []any{channelID, int64(fromSeq), int64(toSeq)}
	if limit > 0 {
		q += ` LIMIT $4`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		e := &event.Event{}
		var seq int64
		var kind int32
		if err := rows.Scan(&e.ID, &e.ChannelID, &seq, &kind, &e.ActorID, &e.Payload, &e.CreatedAtMS); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		e.Kind = event.Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *pgStore) IsDupSeq(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 23505 unique_violation；event_id 为 uuid，冲突来自 (channel_id, seq)
		return pgErr.Code == "23505" && pgErr.ConstraintName != "uniq_channel_events_event_id"
	}
	return false
}

func (s *pgStore) IsTransient(err error) bool {
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}
