package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/vitalog/internal/model"
)

// PostgresDeviceTokenRepo はPostgreSQLを使用した端末トークンリポジトリ。
type PostgresDeviceTokenRepo struct {
	db *sql.DB
}

// NewPostgresDeviceTokenRepo はPostgresDeviceTokenRepoを生成する。
func NewPostgresDeviceTokenRepo(db *sql.DB) *PostgresDeviceTokenRepo {
	return &PostgresDeviceTokenRepo{db: db}
}

// Register は端末トークンを登録する。
// 同じトークンが別ユーザーで登録済みの場合は所有ユーザーを付け替える（端末の持ち主が変わった場合）。
func (r *PostgresDeviceTokenRepo) Register(ctx context.Context, token *model.DeviceToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_tokens (token, user_id, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (token) DO UPDATE SET user_id = EXCLUDED.user_id`,
		token.Token, token.UserID, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("端末トークンの登録に失敗しました: %w", err)
	}
	return nil
}

// Delete はユーザーの端末トークンを削除する。削除した場合はtrueを返す。
func (r *PostgresDeviceTokenRepo) Delete(ctx context.Context, userID, token string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM device_tokens WHERE user_id = $1 AND token = $2`,
		userID, token,
	)
	if err != nil {
		return false, fmt.Errorf("端末トークンの削除に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除結果の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// ListByUserID はユーザーの端末トークン一覧を登録順に返す。
func (r *PostgresDeviceTokenRepo) ListByUserID(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT token FROM device_tokens WHERE user_id = $1 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("端末トークン一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("端末トークン行の読み取りに失敗しました: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("端末トークン一覧の走査に失敗しました: %w", err)
	}
	return tokens, nil
}
