package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/vitalog/internal/model"
)

// PostgresInteractionRecordRepo はPostgreSQLを使用した相互作用知識ベースリポジトリ。
type PostgresInteractionRecordRepo struct {
	db *sql.DB
}

// NewPostgresInteractionRecordRepo はPostgresInteractionRecordRepoを生成する。
func NewPostgresInteractionRecordRepo(db *sql.DB) *PostgresInteractionRecordRepo {
	return &PostgresInteractionRecordRepo{db: db}
}

// FindByPair は2つのキーに一致するレコードを順序を問わず検索する。
// 大文字小文字を区別しない完全一致で比較し、部分一致は行わない。
// 警告文が空のレコードは対象外とし、複数存在する場合はcreated_at, idの昇順で最初の1件を返す。
func (r *PostgresInteractionRecordRepo) FindByPair(ctx context.Context, a, b string) (*model.InteractionRecord, error) {
	rec := &model.InteractionRecord{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, medication_a, medication_b, warning, created_at
		 FROM interaction_records
		 WHERE ((lower(medication_a) = lower($1) AND lower(medication_b) = lower($2))
		     OR (lower(medication_a) = lower($2) AND lower(medication_b) = lower($1)))
		   AND warning <> ''
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1`,
		a, b,
	).Scan(&rec.ID, &rec.MedicationA, &rec.MedicationB, &rec.Warning, &rec.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("相互作用レコードの検索に失敗しました: %w", err)
	}
	return rec, nil
}

// Create はレコードを作成する。
func (r *PostgresInteractionRecordRepo) Create(ctx context.Context, rec *model.InteractionRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO interaction_records (id, medication_a, medication_b, warning, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.MedicationA, rec.MedicationB, rec.Warning, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("相互作用レコードの作成に失敗しました: %w", err)
	}
	return nil
}

// PostgresInteractionLogRepo はPostgreSQLを使用した監査ログリポジトリ。
type PostgresInteractionLogRepo struct {
	db *sql.DB
}

// NewPostgresInteractionLogRepo はPostgresInteractionLogRepoを生成する。
func NewPostgresInteractionLogRepo(db *sql.DB) *PostgresInteractionLogRepo {
	return &PostgresInteractionLogRepo{db: db}
}

// Append はログを1件追記する。
func (r *PostgresInteractionLogRepo) Append(ctx context.Context, entry *model.InteractionLogEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO interaction_logs (id, user_id, kind, description, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.UserID, string(entry.Kind), entry.Description, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("相互作用ログの追記に失敗しました: %w", err)
	}
	return nil
}

// ListByUserID はユーザーのログを新しい順に最大limit件返す。
func (r *PostgresInteractionLogRepo) ListByUserID(ctx context.Context, userID string, limit int) ([]*model.InteractionLogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, kind, description, created_at
		 FROM interaction_logs
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("相互作用ログ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []*model.InteractionLogEntry
	for rows.Next() {
		entry := &model.InteractionLogEntry{}
		var kind string
		if err := rows.Scan(&entry.ID, &entry.UserID, &kind, &entry.Description, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("相互作用ログ行の読み取りに失敗しました: %w", err)
		}
		entry.Kind = model.LogKind(kind)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("相互作用ログ一覧の走査に失敗しました: %w", err)
	}
	return entries, nil
}
