package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxKeys ограничивает число ключей локального ограничителя.
const DefaultMaxKeys = 100_000

// LocalLimiter хранит ключи в памяти процесса. Ограничения действуют только
// в пределах одного экземпляра.
type LocalLimiter struct {
	mu      sync.Mutex
	keys    map[string]time.Time
	maxKeys int
	now     func() time.Time
}

// NewLocalLimiter создаёт локальный ограничитель. maxKeys <= 0 означает DefaultMaxKeys.
func NewLocalLimiter(maxKeys int) *LocalLimiter {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &LocalLimiter{
		keys:    make(map[string]time.Time),
		maxKeys: maxKeys,
		now:     time.Now,
	}
}

// Allow занимает ключ до now+ttl. Если таблица заполнена даже после удаления
// просроченных ключей, действие разрешается без запоминания.
func (l *LocalLimiter) Allow(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.keys[key]; ok && now.Before(exp) {
		return false, nil
	}

	if len(l.keys) >= l.maxKeys {
		l.sweepLocked(now)
		if len(l.keys) >= l.maxKeys {
			return true, nil
		}
	}

	l.keys[key] = now.Add(ttl)
	return true, nil
}

// Len возвращает число хранимых ключей.
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// Sweep удаляет просроченные ключи.
func (l *LocalLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(l.now())
}

// Run периодически удаляет просроченные ключи до отмены контекста.
func (l *LocalLimiter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func (l *LocalLimiter) sweepLocked(now time.Time) {
	for k, exp := range l.keys {
		if !now.Before(exp) {
			delete(l.keys, k)
		}
	}
}
