// Package repository содержит хранилища счетов: PostgreSQL и in-memory.
//
// Оба хранилища реализуют атомарное чтение-изменение-запись через UpdateBill:
// функция изменения получает собственную копию документа, запись выполняется
// условно, а при конфликте весь цикл повторяется ограниченное число раз.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/splitbill/internal/model"
)

// DefaultMaxRetries ограничивает число повторов транзакции при конфликте.
const DefaultMaxRetries = 5

var (
	// ErrBillNotFound возвращается, если счёт не найден.
	ErrBillNotFound = errors.New("bill not found")
	// ErrBillExists возвращается при попытке создать счёт с уже существующим идентификатором.
	ErrBillExists = errors.New("bill already exists")
	// ErrConflict возвращается, если документ был изменён конкурентно и повторы исчерпаны.
	ErrConflict = errors.New("concurrent bill update")
	// ErrCommitUnknown возвращается, если фиксация транзакции завершилась ошибкой и неизвестно,
	// применены ли изменения. Такая ошибка не повторяется.
	ErrCommitUnknown = errors.New("bill update commit outcome unknown")
)

// UpdateFunc изменяет копию счёта внутри транзакции. Функция может быть вызвана
// несколько раз, поэтому не должна иметь побочных эффектов кроме изменения счёта.
// Ошибка из функции отменяет транзакцию без повторов.
type UpdateFunc func(b *model.Bill) error

func withRetry(ctx context.Context, maxRetries int, retryable func(error) bool, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !retryable(err) {
			return err
		}

		if attempt == maxRetries {
			break
		}

		timer := time.NewTimer(backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if errors.Is(err, ErrConflict) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrConflict, err)
}

func backoff(attempt int) time.Duration {
	return time.Duration(attempt+1) * 10 * time.Millisecond
}
