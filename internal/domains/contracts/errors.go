package contracts

import (
	"errors"
	"strings"
)

var (
	// ErrAuthRejected is wrapped by backends when the chat service refuses a login.
	ErrAuthRejected = errors.New("chat backend rejected credentials")
	// ErrUnavailable is wrapped by backends on transport or service failures.
	ErrUnavailable = errors.New("chat backend unavailable")
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden by chat backend")
)

const (
	ErrorCategoryAPI     = "api"
	ErrorCategoryAuth    = "auth"
	ErrorCategoryPolicy  = "policy"
	ErrorCategoryStorage = "storage"
	ErrorCategoryNetwork = "network"
)

func normalizeErrorCategory(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case ErrorCategoryAuth:
		return ErrorCategoryAuth
	case ErrorCategoryPolicy:
		return ErrorCategoryPolicy
	case ErrorCategoryStorage:
		return ErrorCategoryStorage
	case ErrorCategoryNetwork:
		return ErrorCategoryNetwork
	default:
		return ErrorCategoryAPI
	}
}

type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func WrapCategorizedError(category string, err error) error {
	if err == nil {
		return nil
	}
	// An inner category wins; the outer context stays in the chain.
	var existing *CategorizedError
	if errors.As(err, &existing) {
		if existing == err {
			return err
		}
		return &CategorizedError{
			Category: normalizeErrorCategory(existing.Category),
			Err:      err,
		}
	}
	return &CategorizedError{
		Category: normalizeErrorCategory(category),
		Err:      err,
	}
}

func ErrorCategory(err error) string {
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return normalizeErrorCategory(classified.Category)
	}
	switch {
	case errors.Is(err, ErrAuthRejected):
		return ErrorCategoryAuth
	case errors.Is(err, ErrUnavailable):
		return ErrorCategoryNetwork
	}
	return ErrorCategoryAPI
}
