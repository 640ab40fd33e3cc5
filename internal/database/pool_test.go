package database

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/agentqa/test-executor/internal/config"
	apperrors "github.com/agentqa/test-executor/pkg/errors"
)

func TestNewPool_RequiresConnString(t *testing.T) {
	_, err := NewPool(context.Background(), &config.Config{})
	if !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestSafeInt32(t *testing.T) {
	tests := []struct {
		in   int
		want int32
	}{
		{5, 5},
		{-1, 0},
		{math.MaxInt32 + 1, math.MaxInt32},
	}
	for _, tt := range tests {
		if got := safeInt32(tt.in, "test"); got != tt.want {
			t.Errorf("safeInt32(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
