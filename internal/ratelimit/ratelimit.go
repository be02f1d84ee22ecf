// Package ratelimit ограничивает частоту действий участников и отбрасывает
// повторную доставку одних и тех же обновлений.
//
// Ключи хранятся во внешнем хранилище (Redis), поэтому ограничения действуют
// для всех экземпляров сервиса. Без Redis используется локальная реализация
// с ограниченным размером.
package ratelimit

import (
	"context"
	"strconv"
	"time"
)

// DeliveryTTL — время, в течение которого идентификатор доставки считается обработанным.
const DeliveryTTL = 10 * time.Minute

// Limiter резервирует ключ на время ttl.
type Limiter interface {
	// Allow возвращает true, если ключ не был занят, и занимает его на ttl.
	Allow(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// ActionKey возвращает ключ повторяющегося действия участника.
func ActionKey(actorID int64, action string) string {
	return "splitbill:action:" + strconv.FormatInt(actorID, 10) + ":" + action
}

// DeliveryKey возвращает ключ доставки обновления транспортом.
func DeliveryKey(deliveryID string) string {
	return "splitbill:delivery:" + deliveryID
}
