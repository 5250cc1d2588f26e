package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"agent_sapo/app/session"
	"agent_sapo/utility"

	"github.com/jmoiron/sqlx"
)

// TokenStore lưu token Sapo vào bảng upstream_tokens, mỗi scope một dòng
type TokenStore struct {
	db *DB
}

// NewTokenStore tạo TokenStore trên db
func NewTokenStore(db *DB) *TokenStore {
	return &TokenStore{db: db}
}

type tokenRow struct {
	Scope      string `db:"scope"`
	Headers    string `db:"headers"`
	AcquiredAt int64  `db:"acquired_at"`
	ExpiresAt  int64  `db:"expires_at"`
}

// Load trả về token của scope, nil nếu chưa có
func (s *TokenStore) Load(ctx context.Context, scope session.Scope) (*session.Token, error) {
	var row tokenRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT scope, headers, acquired_at, expires_at FROM upstream_tokens WHERE scope = ?`), string(scope))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	headers := map[string]string{}
	if err := json.Unmarshal([]byte(row.Headers), &headers); err != nil {
		return nil, fmt.Errorf("headers của token %s không hợp lệ: %w", scope, err)
	}
	return &session.Token{
		Scope:      scope,
		Headers:    headers,
		AcquiredAt: utility.FromMilli(row.AcquiredAt),
		ExpiresAt:  utility.FromMilli(row.ExpiresAt),
	}, nil
}

// SaveAll ghi mọi token trong một transaction
func (s *TokenStore) SaveAll(ctx context.Context, tokens []session.Token) error {
	for i := range tokens {
		if err := tokens[i].Validate(); err != nil {
			return err
		}
	}
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, tok := range tokens {
			headers, err := json.Marshal(tok.Headers)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO upstream_tokens (scope, headers, acquired_at, expires_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (scope) DO UPDATE SET
					headers = excluded.headers,
					acquired_at = excluded.acquired_at,
					expires_at = excluded.expires_at`),
				string(tok.Scope), string(headers), utility.UnixMilli(tok.AcquiredAt), utility.UnixMilli(tok.ExpiresAt))
			if err != nil {
				return fmt.Errorf("lưu token %s: %w", tok.Scope, err)
			}
		}
		return nil
	})
}
