package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"docsync/backend/internal/revision"
)

// MySQL 重复键错误码
const errDuplicateEntry = 1062

// RevisionStore：document_revisions 表，(document_id, rev_id) 为主键
type RevisionStore struct{ db *sql.DB }

func NewRevisionStore(db *sql.DB) *RevisionStore {
	return &RevisionStore{db: db}
}

// AppendRevisions 在一个事务里批量写入；主键重复视为已写过（按 rev_id 幂等）
func (s *RevisionStore) AppendRevisions(ctx context.Context, docID string, revs []revision.Revision) error {
	if len(revs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO document_revisions (document_id, rev_id, base_rev_id, payload, checksum, author_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range revs {
		if r.ObjectID != docID {
			return fmt.Errorf("revision %d belongs to %q, not %q", r.RevID, r.ObjectID, docID)
		}
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err := stmt.ExecContext(ctx, docID, r.RevID, r.BaseRevID, r.Payload, r.Checksum, r.Author, createdAt)
		if err != nil {
			var mysqlErr *mysql.MySQLError
			if errors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry {
				continue
			}
			return fmt.Errorf("insert rev %d: %w", r.RevID, err)
		}
	}
	return tx.Commit()
}

// LoadRevisions 按 rev_id 升序返回；rng 为 nil 时返回全部
func (s *RevisionStore) LoadRevisions(ctx context.Context, docID string, rng *revision.Range) ([]revision.Revision, error) {
	query := `SELECT rev_id, base_rev_id, payload, checksum, author_id, created_at
		FROM document_revisions WHERE document_id = ?`
	args := []any{docID}
	if rng != nil {
		query += ` AND rev_id BETWEEN ? AND ?`
		args = append(args, rng.Start, rng.End)
	}
	query += ` ORDER BY rev_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []revision.Revision
	for rows.Next() {
		r := revision.Revision{ObjectID: docID}
		var checksum sql.NullString
		if err := rows.Scan(&r.RevID, &r.BaseRevID, &r.Payload, &checksum, &r.Author, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Checksum = checksum.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestRevID 返回已落盘的最大版本号，没有记录时为 0
func (s *RevisionStore) LatestRevID(ctx context.Context, docID string) (int64, error) {
	var rev sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(rev_id) FROM document_revisions WHERE document_id = ?`, docID,
	).Scan(&rev)
	if err != nil {
		return 0, err
	}
	return rev.Int64, nil
}
