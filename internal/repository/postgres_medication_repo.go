package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/vitalog/internal/model"
	"github.com/lib/pq"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

const medicationColumns = `id, user_id, name, dosage, schedules, expiration_date,
	qr_code_identifier, doses_taken, created_at, updated_at`

// PostgresMedicationRepo はPostgreSQLを使用した薬リポジトリ。
type PostgresMedicationRepo struct {
	db *sql.DB
}

// NewPostgresMedicationRepo はPostgresMedicationRepoを生成する。
func NewPostgresMedicationRepo(db *sql.DB) *PostgresMedicationRepo {
	return &PostgresMedicationRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanMedication は1行分の薬データを読み取る。
func scanMedication(row rowScanner) (*model.Medication, error) {
	med := &model.Medication{}
	var (
		expiration sql.NullTime
		qrCode     sql.NullString
		doses      []byte
	)
	err := row.Scan(
		&med.ID, &med.UserID, &med.Name, &med.Dosage, pq.Array(&med.Schedules),
		&expiration, &qrCode, &doses, &med.CreatedAt, &med.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if expiration.Valid {
		t := expiration.Time
		med.ExpirationDate = &t
	}
	if qrCode.Valid {
		s := qrCode.String
		med.QRCodeIdentifier = &s
	}
	med.DosesTaken = make(map[string]bool)
	if len(doses) > 0 {
		if err := json.Unmarshal(doses, &med.DosesTaken); err != nil {
			return nil, fmt.Errorf("服薬記録のデコードに失敗しました: %w", err)
		}
	}

	return med, nil
}

// FindByID は指定IDの薬を取得する。見つからない場合はnilを返す。
func (r *PostgresMedicationRepo) FindByID(ctx context.Context, id string) (*model.Medication, error) {
	med, err := scanMedication(r.db.QueryRowContext(ctx,
		`SELECT `+medicationColumns+` FROM medications WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("薬の取得に失敗しました: %w", err)
	}
	return med, nil
}

// FindByIDsForUser は指定ユーザーが所有する薬のうちIDが一致するものを返す。
func (r *PostgresMedicationRepo) FindByIDsForUser(ctx context.Context, userID string, ids []string) ([]*model.Medication, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.queryMedications(ctx, "IDによる薬の検索",
		`SELECT `+medicationColumns+` FROM medications
		 WHERE user_id = $1 AND id = ANY($2::uuid[])`,
		userID, pq.Array(ids),
	)
}

// FindByQRCode はユーザーの薬をQRコード識別子で検索する。見つからない場合はnilを返す。
func (r *PostgresMedicationRepo) FindByQRCode(ctx context.Context, userID, identifier string) (*model.Medication, error) {
	med, err := scanMedication(r.db.QueryRowContext(ctx,
		`SELECT `+medicationColumns+` FROM medications
		 WHERE user_id = $1 AND qr_code_identifier = $2`,
		userID, identifier,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("QRコードによる薬の検索に失敗しました: %w", err)
	}
	return med, nil
}

// ListByUserID はユーザーの薬一覧を登録日時の降順で返す。
func (r *PostgresMedicationRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Medication, error) {
	return r.queryMedications(ctx, "薬一覧の取得",
		`SELECT `+medicationColumns+` FROM medications
		 WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
}

// ListActive は指定時刻時点で有効期限内の全ユーザーの薬を返す。
func (r *PostgresMedicationRepo) ListActive(ctx context.Context, now time.Time) ([]*model.Medication, error) {
	return r.queryMedications(ctx, "有効な薬一覧の取得",
		`SELECT `+medicationColumns+` FROM medications
		 WHERE expiration_date IS NULL OR expiration_date > $1
		 ORDER BY created_at ASC`,
		now,
	)
}

// queryMedications は複数行の薬データを取得する共通処理。
func (r *PostgresMedicationRepo) queryMedications(ctx context.Context, op, query string, args ...any) ([]*model.Medication, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%sに失敗しました: %w", op, err)
	}
	defer rows.Close()

	var meds []*model.Medication
	for rows.Next() {
		med, err := scanMedication(rows)
		if err != nil {
			return nil, fmt.Errorf("薬の行の読み取りに失敗しました: %w", err)
		}
		meds = append(meds, med)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%sの走査に失敗しました: %w", op, err)
	}
	return meds, nil
}

// Create は薬を作成する。QRコード識別子が重複する場合はErrDuplicateQRCodeを返す。
func (r *PostgresMedicationRepo) Create(ctx context.Context, med *model.Medication) error {
	doses, err := encodeDoses(med.DosesTaken)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO medications (id, user_id, name, dosage, schedules, expiration_date,
		                          qr_code_identifier, doses_taken, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		med.ID, med.UserID, med.Name, med.Dosage, pq.Array(med.Schedules), med.ExpirationDate,
		med.QRCodeIdentifier, doses, med.CreatedAt, med.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateQRCode
	}
	if err != nil {
		return fmt.Errorf("薬の作成に失敗しました: %w", err)
	}
	return nil
}

// Update は薬の名前、用量、スケジュール、有効期限、QRコード識別子を更新する。
// 服薬記録は更新しない。
func (r *PostgresMedicationRepo) Update(ctx context.Context, med *model.Medication) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE medications
		 SET name = $2, dosage = $3, schedules = $4, expiration_date = $5,
		     qr_code_identifier = $6, updated_at = $7
		 WHERE id = $1`,
		med.ID, med.Name, med.Dosage, pq.Array(med.Schedules), med.ExpirationDate,
		med.QRCodeIdentifier, med.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateQRCode
	}
	if err != nil {
		return fmt.Errorf("薬の更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("薬が見つかりません: %s", med.ID)
	}
	return nil
}

// Delete は指定IDの薬を削除する。
func (r *PostgresMedicationRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM medications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("薬の削除に失敗しました: %w", err)
	}
	return nil
}

// MarkDoseTaken は服薬記録にキーを冪等に追加する。
// キーが既に存在する行はWHERE句で除外されるため、同じキーで2回呼んでも記録は1件のみになる。
func (r *PostgresMedicationRepo) MarkDoseTaken(ctx context.Context, id, doseKey string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE medications
		 SET doses_taken = doses_taken || jsonb_build_object($2::text, true), updated_at = NOW()
		 WHERE id = $1 AND NOT (doses_taken ? $2)`,
		id, doseKey,
	)
	if err != nil {
		return false, fmt.Errorf("服薬記録の追加に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	return rowsAffected == 1, nil
}

// SetDose は服薬記録のキーに値を設定する。
func (r *PostgresMedicationRepo) SetDose(ctx context.Context, id, doseKey string, taken bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE medications
		 SET doses_taken = doses_taken || jsonb_build_object($2::text, $3::boolean), updated_at = NOW()
		 WHERE id = $1`,
		id, doseKey, taken,
	)
	if err != nil {
		return fmt.Errorf("服薬記録の更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("薬が見つかりません: %s", id)
	}
	return nil
}

// encodeDoses は服薬記録をJSONBに変換する。nilの場合は空オブジェクトにする。
func encodeDoses(doses map[string]bool) ([]byte, error) {
	if doses == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(doses)
	if err != nil {
		return nil, fmt.Errorf("服薬記録のエンコードに失敗しました: %w", err)
	}
	return b, nil
}

// isUniqueViolation は一意制約違反のエラーかを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
