// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

const (
	// MaxNameLength ограничивает длину названий блюд и имён в рунах.
	MaxNameLength = 64
	// MaxDishes ограничивает число блюд в одном счёте.
	MaxDishes = 50
	// MaxIDLength ограничивает длину идентификаторов счёта и блюда.
	MaxIDLength = 40
)

// ErrInvalidInput возвращается при некорректных входных данных счёта.
var ErrInvalidInput = errors.New("invalid input")

var maxPercentage = decimal.NewFromInt(100)

// IsValidID проверяет, что идентификатор состоит только из [A-Za-z0-9_-].
// Такие идентификаторы не содержат разделителя токенов действий.
func IsValidID(id string) bool {
	if id == "" || len(id) > MaxIDLength {
		return false
	}

	for i := 0; i < len(id); i++ {
		ch := id[i]
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '_' || ch == '-':
		default:
			return false
		}
	}

	return true
}

// ValidateName проверяет название блюда или имя участника.
func ValidateName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: name is not valid UTF-8", ErrInvalidInput)
	}

	n := 0
	blank := true
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: name contains control characters", ErrInvalidInput)
		}
		if !unicode.IsSpace(r) {
			blank = false
		}
		n++
	}

	if blank {
		return fmt.Errorf("%w: name is empty", ErrInvalidInput)
	}
	if n > MaxNameLength {
		return fmt.Errorf("%w: name is longer than %d characters", ErrInvalidInput, MaxNameLength)
	}

	return nil
}

// ValidatePrice проверяет цену блюда: неотрицательна и не точнее копеек.
func ValidatePrice(price decimal.Decimal) error {
	if price.IsNegative() {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidInput)
	}
	if price.Exponent() < -2 && !price.Equal(price.Round(2)) {
		return fmt.Errorf("%w: price has more than 2 decimal places", ErrInvalidInput)
	}
	return nil
}

// ValidatePercentage проверяет процент сбора или налога.
func ValidatePercentage(pct decimal.Decimal) error {
	if pct.IsNegative() || pct.GreaterThan(maxPercentage) {
		return fmt.Errorf("%w: percentage must be between 0 and 100", ErrInvalidInput)
	}
	return nil
}

// ValidateDishCount проверяет число блюд в счёте.
func ValidateDishCount(n int) error {
	if n == 0 {
		return fmt.Errorf("%w: bill has no dishes", ErrInvalidInput)
	}
	if n > MaxDishes {
		return fmt.Errorf("%w: bill has more than %d dishes", ErrInvalidInput, MaxDishes)
	}
	return nil
}
