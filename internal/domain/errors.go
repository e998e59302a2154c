package domain

import (
	"errors"
	"fmt"
)

// Таксономия ошибок ядра. Наружу (в шину) они уходят только как строка в поле error,
// транспортных фолтов ядро не генерирует.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrPolicyDenied      = errors.New("policy denied")
	ErrPolicyUnavailable = errors.New("policy decision point unavailable")
	ErrAdapter           = errors.New("adapter error")
)

// Validation оборачивает ErrValidation с человекочитаемым сообщением
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func Adapter(err error) error {
	return fmt.Errorf("%w: %v", ErrAdapter, err)
}
