package ingest

import (
	"context"
	"errors"

	"github.com/lib/pq"

	"github.com/hitoshi/chanwatch/internal/model"
)

// PostgreSQLのエラーコード。クラス40/55はロック・直列化の競合、
// クラス23は整合性制約違反。
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgIntegrityClass       = "23"
)

// ClassifyTxError はトランザクション失敗を分類してラップする。
// タイムアウトはロック競合と同じ一時的失敗として扱い、同じリトライポリシーに
// 載せる。整合性制約違反はリトライ対象外として即座に伝播する。
func ClassifyTxError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewContentionError(err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return model.NewContentionError(err)
		}
		if pqErr.Code.Class() == pgIntegrityClass {
			return model.NewIntegrityViolationError(err)
		}
	}

	return err
}
