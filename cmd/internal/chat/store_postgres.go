package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements MessageStore over PostgreSQL.
//
// Mutations touching a conversation take a transaction-scoped advisory lock
// keyed by the canonical pair, so concurrent clears and purges of the same
// conversation serialize while unrelated conversations proceed in parallel.
// The pool is owned by the caller.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the schema holding the messages table (default "pairchat").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("chat: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "pairchat"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("chat: nil pool")
	}
	return st, nil
}

const messageColumns = `id, sender_id, receiver_id, body, type,
	file_path, file_name, file_size, mime_type, reply_to, deleted_for, created_at`

func (s *PostgresStore) messages() string {
	return pgx.Identifier{s.schema, "messages"}.Sanitize()
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m                          Message
		typ                        string
		path, name, size, mimeType *string
	)
	err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Body, &typ,
		&path, &name, &size, &mimeType, &m.ReplyTo, &m.DeletedFor, &m.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	m.Type = MessageType(typ)
	if path != nil {
		m.Attachment = &Attachment{Path: *path, Name: deref(name), Size: deref(size), MimeType: deref(mimeType)}
	}
	if m.DeletedFor == nil {
		m.DeletedFor = []int64{}
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// withPairLock runs fn in a ReadCommitted transaction holding the pair's advisory lock.
func (s *PostgresStore) withPairLock(ctx context.Context, pair Pair, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, pair.Key()); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Create(ctx context.Context, in CreateInput) (Created, error) {
	const op = "chat.Create"

	if err := in.Validate(); err != nil {
		return Created{}, err
	}
	pair := NewPair(in.SenderID, in.ReceiverID)

	var m Message
	err := s.withPairLock(ctx, pair, func(tx pgx.Tx) error {
		if in.ReplyTo != nil {
			var from, to int64
			err := tx.QueryRow(ctx,
				`SELECT sender_id, receiver_id FROM `+s.messages()+` WHERE id = $1`, *in.ReplyTo,
			).Scan(&from, &to)
			if errors.Is(err, pgx.ErrNoRows) || (err == nil && NewPair(from, to) != pair) {
				return ValidationError{Field: "reply_to", Reason: "must reference a message in this conversation"}
			}
			if err != nil {
				return err
			}
		}

		var path, name, size, mimeType *string
		if a := in.Attachment; a != nil {
			path, name, size, mimeType = &a.Path, &a.Name, &a.Size, &a.MimeType
		}

		var createdAt any
		if !in.Now.IsZero() {
			createdAt = in.Now.UTC()
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO `+s.messages()+` (
			     sender_id, receiver_id, body, type, file_path, file_name, file_size, mime_type, reply_to, created_at
			   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10::timestamptz, now()))
			 RETURNING `+messageColumns,
			in.SenderID, in.ReceiverID, in.Body, string(in.Type), path, name, size, mimeType, in.ReplyTo, createdAt,
		)
		var err error
		m, err = scanMessage(row)
		if pgIsForeignKeyViolation(err) {
			return NotFoundError{Resource: "user", ID: in.ReceiverID}
		}
		return err
	})
	if err != nil {
		return Created{}, storageErr(op, err)
	}
	return Created{msg: m}, nil
}

func (s *PostgresStore) ListVisible(ctx context.Context, in ListInput) (ListResult, error) {
	const op = "chat.ListVisible"

	if err := in.validate(); err != nil {
		return ListResult{}, err
	}
	limit := in.limit()

	where, args := PairPredicate(in.Viewer, in.Other).And(VisibilityPredicate(in.Viewer)).SQL(1)
	if in.AfterID != nil {
		args = append(args, *in.AfterID)
		where += ` AND id > $` + strconv.Itoa(len(args))
	}
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM `+s.messages()+`
		  WHERE `+where+`
		  ORDER BY id ASC
		  LIMIT $`+strconv.Itoa(len(args)),
		args...,
	)
	if err != nil {
		return ListResult{}, storageErr(op, err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit+1)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return ListResult{}, storageErr(op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, storageErr(op, err)
	}

	res := ListResult{Messages: out}
	if len(out) > limit {
		res.Messages = out[:limit]
		res.HasMore = true
	}
	return res, nil
}

func (s *PostgresStore) SoftDeleteForUser(ctx context.Context, viewer, other int64) (Cleared, error) {
	const op = "chat.SoftDeleteForUser"

	if err := validatePair(viewer, other); err != nil {
		return Cleared{}, err
	}

	var n int64
	err := s.withPairLock(ctx, NewPair(viewer, other), func(tx pgx.Tx) error {
		where, args := PairPredicate(viewer, other).And(VisibilityPredicate(viewer)).SQL(2)
		tag, err := tx.Exec(ctx,
			`UPDATE `+s.messages()+` SET deleted_for = array_append(deleted_for, $1::bigint) WHERE `+where,
			append([]any{viewer}, args...)...,
		)
		n = tag.RowsAffected()
		return err
	})
	if err != nil {
		return Cleared{}, storageErr(op, err)
	}
	return Cleared{viewer: viewer, other: other, count: n}, nil
}

func (s *PostgresStore) HardDeleteAll(ctx context.Context, a, b int64) (PermanentlyDeleted, error) {
	const op = "chat.HardDeleteAll"

	if err := validatePair(a, b); err != nil {
		return PermanentlyDeleted{}, err
	}
	pair := NewPair(a, b)

	var n int64
	err := s.withPairLock(ctx, pair, func(tx pgx.Tx) error {
		where, args := PairPredicate(a, b).SQL(1)
		tag, err := tx.Exec(ctx, `DELETE FROM `+s.messages()+` WHERE `+where, args...)
		n = tag.RowsAffected()
		return err
	})
	if err != nil {
		return PermanentlyDeleted{}, storageErr(op, err)
	}
	return PermanentlyDeleted{pair: pair, count: n}, nil
}

func (s *PostgresStore) DeleteForUser(ctx context.Context, userID int64) (int64, error) {
	if userID <= 0 {
		return 0, ValidationError{Field: "user_id", Reason: "must be positive"}
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.messages()+` WHERE sender_id = $1 OR receiver_id = $1`, userID)
	if err != nil {
		return 0, storageErr("chat.DeleteForUser", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+s.messages()+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, NotFoundError{Resource: "message", ID: id}
	}
	if err != nil {
		return Message{}, storageErr("chat.Get", err)
	}
	return m, nil
}

func pgIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
