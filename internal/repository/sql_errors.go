package repository

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/puppybell/internal/model"
)

// PostgreSQLのSQLSTATE
const (
	pqUniqueViolation = "23505"
)

// classifyError はドライバ固有のエラーをドメインの番兵エラーに対応付ける。
// 一意制約違反はmodel.ErrDuplicateでラップし、元のエラーもerrors.Asで取り出せるようにする。
// それ以外（デッドロック、直列化失敗、接続断など）は再試行可能なストア障害としてそのまま返す。
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
		return fmt.Errorf("%w: %w", model.ErrDuplicate, err)
	}

	if isSQLiteUniqueViolation(err) {
		return fmt.Errorf("%w: %w", model.ErrDuplicate, err)
	}

	return err
}
