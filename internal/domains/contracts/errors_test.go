package contracts

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapCategorizedError_NewErrorUsesProvidedCategory(t *testing.T) {
	wrapped := WrapCategorizedError(ErrorCategoryPolicy, errors.New("boom"))
	var classified *CategorizedError
	if !errors.As(wrapped, &classified) {
		t.Fatalf("expected categorized error, got %T", wrapped)
	}
	if classified.Category != ErrorCategoryPolicy {
		t.Fatalf("expected category=%q, got %q", ErrorCategoryPolicy, classified.Category)
	}
}

func TestWrapCategorizedError_NormalizesUnknownCategoryToAPI(t *testing.T) {
	wrapped := WrapCategorizedError("unknown", errors.New("boom"))
	if got := ErrorCategory(wrapped); got != ErrorCategoryAPI {
		t.Fatalf("expected category=%q, got %q", ErrorCategoryAPI, got)
	}
}

func TestErrorCategory_DefaultsToAPIForRegularErrors(t *testing.T) {
	if got := ErrorCategory(errors.New("plain")); got != ErrorCategoryAPI {
		t.Fatalf("expected default category=%q, got %q", ErrorCategoryAPI, got)
	}
}

func TestErrorCategory_ClassifiesBackendSentinels(t *testing.T) {
	if got := ErrorCategory(fmt.Errorf("login: %w", ErrAuthRejected)); got != ErrorCategoryAuth {
		t.Fatalf("expected auth category, got %q", got)
	}
	if got := ErrorCategory(fmt.Errorf("send: %w", ErrUnavailable)); got != ErrorCategoryNetwork {
		t.Fatalf("expected network category, got %q", got)
	}
}

func TestCategorizedErrorUnwraps(t *testing.T) {
	wrapped := WrapCategorizedError(ErrorCategoryNetwork, ErrUnavailable)
	if !errors.Is(wrapped, ErrUnavailable) {
		t.Fatalf("categorized error must unwrap to the cause")
	}
}

func TestWrapCategorizedError_KeepsInnerCategoryAndOuterContext(t *testing.T) {
	outer := errors.New("send failed")
	inner := WrapCategorizedError(ErrorCategoryAuth, ErrAuthRejected)
	wrapped := WrapCategorizedError(ErrorCategoryNetwork, fmt.Errorf("%w: %w", outer, inner))
	if got := ErrorCategory(wrapped); got != ErrorCategoryAuth {
		t.Fatalf("expected inner auth category, got %q", got)
	}
	if !errors.Is(wrapped, outer) || !errors.Is(wrapped, ErrAuthRejected) {
		t.Fatalf("wrapping must keep the whole chain: %v", wrapped)
	}
}
