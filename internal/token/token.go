// Package token кодирует действия участников в компактные строки для кнопок.
//
// Формат токена: "<verb>:<billID>:<arg>". Разделитель ':' не может встречаться
// в идентификаторах счёта и блюда (см. validation.IsValidID), поэтому разбор
// однозначен. Аргумент действия lock пуст.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mmeshcher/splitbill/internal/validation"
)

// Separator разделяет поля токена.
const Separator = ":"

// MaxLength — ограничение Telegram на длину callback_data в байтах.
const MaxLength = 64

// ErrMalformed возвращается для токенов, которые не удалось разобрать.
var ErrMalformed = errors.New("malformed action token")

// Verb описывает вид действия.
type Verb string

const (
	VerbToggle Verb = "t"
	VerbLock   Verb = "l"
	VerbPay    Verb = "p"
)

// Command описывает разобранное действие.
type Command struct {
	Verb   Verb
	BillID string
	Arg    string
}

// ActorID возвращает аргумент действия pay как идентификатор участника.
func (c Command) ActorID() (int64, error) {
	id, err := strconv.ParseInt(c.Arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad actor id %q", ErrMalformed, c.Arg)
	}
	return id, nil
}

// Encode собирает токен и проверяет, что его можно однозначно разобрать.
func Encode(c Command) (string, error) {
	if err := c.validate(); err != nil {
		return "", err
	}

	s := string(c.Verb) + Separator + c.BillID + Separator + c.Arg
	if len(s) > MaxLength {
		return "", fmt.Errorf("%w: token is %d bytes, limit %d", ErrMalformed, len(s), MaxLength)
	}
	return s, nil
}

// Decode разбирает токен.
func Decode(s string) (Command, error) {
	if s == "" || len(s) > MaxLength {
		return Command{}, fmt.Errorf("%w: bad length", ErrMalformed)
	}

	parts := strings.Split(s, Separator)
	if len(parts) != 3 {
		return Command{}, fmt.Errorf("%w: want 3 fields, got %d", ErrMalformed, len(parts))
	}

	c := Command{
		Verb:   Verb(parts[0]),
		BillID: parts[1],
		Arg:    parts[2],
	}
	if err := c.validate(); err != nil {
		return Command{}, err
	}
	return c, nil
}

// Toggle возвращает токен выбора блюда.
func Toggle(billID, dishID string) (string, error) {
	return Encode(Command{Verb: VerbToggle, BillID: billID, Arg: dishID})
}

// Lock возвращает токен фиксации счёта.
func Lock(billID string) (string, error) {
	return Encode(Command{Verb: VerbLock, BillID: billID})
}

// Pay возвращает токен отметки оплаты участника.
func Pay(billID string, actorID int64) (string, error) {
	return Encode(Command{Verb: VerbPay, BillID: billID, Arg: strconv.FormatInt(actorID, 10)})
}

func (c Command) validate() error {
	if !validation.IsValidID(c.BillID) {
		return fmt.Errorf("%w: bad bill id", ErrMalformed)
	}

	switch c.Verb {
	case VerbToggle:
		if !validation.IsValidID(c.Arg) {
			return fmt.Errorf("%w: bad dish id", ErrMalformed)
		}
	case VerbLock:
		if c.Arg != "" {
			return fmt.Errorf("%w: lock takes no argument", ErrMalformed)
		}
	case VerbPay:
		if _, err := c.ActorID(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown verb %q", ErrMalformed, c.Verb)
	}

	return nil
}
