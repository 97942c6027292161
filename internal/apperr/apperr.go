// Package apperr — классы ошибок, общие для сервиса переписки и протокола WebSocket.
// Любой отказ, который видит клиент, относится к одному из них; всё остальное считается
// внутренней ошибкой и клиенту дословно не отдаётся.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	// KindValidation: пустой или слишком длинный content, нет обязательного поля, неизвестный id.
	KindValidation
	// KindAuthorization: собеседник недопустимой роли или сам пользователь.
	KindAuthorization
	// KindTransient: хранилище недоступно или не ответило вовремя. Запрос можно повторить.
	KindTransient
	// KindProtocol: битый JSON или неизвестный тип кадра.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindAuthorization:
		return "authorization_error"
	case KindTransient:
		return "transient_store_error"
	case KindProtocol:
		return "protocol_error"
	default:
		return "internal_error"
	}
}

// Error: Reason можно показать клиенту, причина (cause) — только для логов.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return e.Kind.String() + ": " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Is совпадает с любым *Error того же класса: errors.Is(err, apperr.ErrValidation).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinel-значения классов для errors.Is.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrAuthorization = &Error{Kind: KindAuthorization}
	ErrTransient     = &Error{Kind: KindTransient}
	ErrProtocol      = &Error{Kind: KindProtocol}
)

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Reason: fmt.Sprintf(format, args...)}
}

func Authorization(format string, args ...any) error {
	return &Error{Kind: KindAuthorization, Reason: fmt.Sprintf(format, args...)}
}

func Protocol(format string, args ...any) error {
	return &Error{Kind: KindProtocol, Reason: fmt.Sprintf(format, args...)}
}

// Transient оборачивает сбой хранилища. Причина остаётся только в логах сервера.
func Transient(err error) error {
	return &Error{Kind: KindTransient, Reason: "temporarily unavailable, please retry", Err: err}
}

// KindOf — класс первого *Error в цепочке err, иначе KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable: можно ли повторить тот же запрос.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// PublicReason — текст, который можно отдать клиенту.
func PublicReason(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Reason
	}
	return "internal error"
}
