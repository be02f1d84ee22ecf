package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmeshcher/splitbill/internal/metrics"
	"github.com/mmeshcher/splitbill/internal/model"
)

type memoryRecord struct {
	doc     []byte
	version int64
}

// MemoryRepository хранит счета в памяти процесса. Используется при запуске без
// базы данных и в тестах; семантика UpdateBill совпадает с PostgresRepository:
// функция изменения выполняется вне блокировки, запись проходит только при
// неизменной версии.
type MemoryRepository struct {
	mu         sync.RWMutex
	bills      map[string]memoryRecord
	maxRetries int
}

// NewMemoryRepository создаёт пустое хранилище.
func NewMemoryRepository(maxRetries int) *MemoryRepository {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &MemoryRepository{
		bills:      make(map[string]memoryRecord),
		maxRetries: maxRetries,
	}
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error { return nil }

// CreateBill сохраняет новый счёт.
func (r *MemoryRepository) CreateBill(ctx context.Context, bill *model.Bill) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := bill.Validate(); err != nil {
		return err
	}

	doc, err := json.Marshal(bill)
	if err != nil {
		return fmt.Errorf("encode bill: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bills[bill.ID]; ok {
		return fmt.Errorf("%w: %s", ErrBillExists, bill.ID)
	}
	r.bills[bill.ID] = memoryRecord{doc: doc, version: 1}

	return nil
}

// GetBill возвращает копию счёта.
func (r *MemoryRepository) GetBill(ctx context.Context, id string) (*model.Bill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	rec, ok := r.bills[id]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrBillNotFound
	}
	return decodeBill(rec.doc)
}

// UpdateBill выполняет атомарное чтение-изменение-запись счёта.
func (r *MemoryRepository) UpdateBill(ctx context.Context, id string, fn UpdateFunc) (*model.Bill, error) {
	var updated *model.Bill
	isConflict := func(err error) bool { return errors.Is(err, ErrConflict) }

	err := withRetry(ctx, r.maxRetries, isConflict, func() error {
		b, err := r.updateOnce(ctx, id, fn)
		if err != nil {
			if isConflict(err) {
				metrics.ObserveConflict("memory")
			}
			return err
		}
		updated = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *MemoryRepository) updateOnce(ctx context.Context, id string, fn UpdateFunc) (*model.Bill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	rec, ok := r.bills[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrBillNotFound
	}

	b, err := decodeBill(rec.doc)
	if err != nil {
		return nil, err
	}

	if err := fn(b); err != nil {
		return nil, err
	}

	b.UpdatedAt = time.Now().UTC()
	if err := b.Validate(); err != nil {
		return nil, err
	}

	doc, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode bill: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bills[id].version != rec.version {
		return nil, ErrConflict
	}
	r.bills[id] = memoryRecord{doc: doc, version: rec.version + 1}

	return b, nil
}
