package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const rollbackTimeout = 5 * time.Second

// TxBeginner - источник транзакций (pgxpool.Pool или соединение в тестах).
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TransactionHelper выполняет функции в транзакции с откатом при ошибке или панике.
type TransactionHelper struct {
	db     TxBeginner
	logger *zap.Logger
}

// NewTransactionHelper создает новый помощник транзакций
func NewTransactionHelper(db TxBeginner, logger *zap.Logger) *TransactionHelper {
	return &TransactionHelper{
		db:     db,
		logger: logger.Named("tx"),
	}
}

// WithTransaction выполняет fn в транзакции. Ошибка fn приводит к rollback
// и возвращается без изменений; commit выполняется только при успехе.
func (h *TransactionHelper) WithTransaction(
	ctx context.Context,
	fn func(ctx context.Context, tx DBTX) error,
) error {
	tx, err := h.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			h.rollback(tx, "panic")
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		h.rollback(tx, err.Error())
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// rollback откатывает транзакцию на отдельном контексте: исходный может быть уже отменен.
func (h *TransactionHelper) rollback(tx pgx.Tx, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		h.logger.Error("Failed to rollback transaction",
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	h.logger.Debug("Transaction rolled back", zap.String("reason", reason))
}
