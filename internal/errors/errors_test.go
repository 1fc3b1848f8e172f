package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapCarriesCategoryThroughChain(t *testing.T) {
	base := stderrors.New("connection reset")
	wrapped := Wrap(base, CategoryNetwork, "bybit", "connect")
	outer := fmt.Errorf("cycle failed: %w", wrapped)

	assert.Equal(t, CategoryNetwork, CategoryOf(outer))
	assert.True(t, stderrors.Is(outer, base))
}

func TestCategoryOfPlainError(t *testing.T) {
	assert.Equal(t, Category(""), CategoryOf(stderrors.New("plain")))
}

func TestFatalCategories(t *testing.T) {
	tests := []struct {
		category Category
		fatal    bool
	}{
		{CategoryFatal, true},
		{CategoryCredentials, true},
		{CategoryConfig, true},
		{CategoryGateway, false},
		{CategoryNetwork, false},
		{CategoryTimeout, false},
		{CategoryOrder, false},
		{CategoryPosition, false},
		{CategoryStrategy, false},
		{CategoryValidation, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			err := New(tt.category, "component", "op", "boom")
			assert.Equal(t, tt.fatal, err.IsFatal())
			assert.Equal(t, !tt.fatal, err.Retryable())
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	err := New(CategoryOrder, "bybit", "place order", "response missing order id")
	assert.Equal(t, "[ORDER:bybit] place order: response missing order id", err.Error())

	wrapped := Wrap(stderrors.New("500"), CategoryGateway, "bybit", "account summary")
	assert.Equal(t, "[GATEWAY:bybit] account summary: operation failed: 500", wrapped.Error())
	assert.EqualError(t, wrapped.Unwrap(), "500")
}
