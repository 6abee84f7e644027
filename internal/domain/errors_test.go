package domain_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/tollgate/internal/domain"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{"nil", nil, ""},
		{"wrapped sentinel", fmt.Errorf("hold: %w", domain.ErrInsufficientFunds), domain.KindInsufficientFunds},
		{"upstream error", &domain.UpstreamError{Provider: "echo", Err: errors.New("boom")}, domain.KindUpstreamError},
		{"deadline", fmt.Errorf("dispatch: %w", context.DeadlineExceeded), domain.KindTimeout},
		{"unclassified", errors.New("disk on fire"), domain.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, domain.KindOf(tt.err))
		})
	}
}

func TestUpstreamError(t *testing.T) {
	t.Run("should match timeout only when flagged", func(t *testing.T) {
		slow := &domain.UpstreamError{Provider: "openai", Timeout: true, Err: context.DeadlineExceeded}
		failed := &domain.UpstreamError{Provider: "openai", StatusCode: 500, Err: errors.New("bad gateway")}

		require.ErrorIs(t, slow, domain.ErrTimeout)
		require.ErrorIs(t, slow, domain.ErrUpstream)
		require.NotErrorIs(t, failed, domain.ErrTimeout)
		require.Contains(t, failed.Error(), "status 500")
	})
}

func TestCallResponse_Err(t *testing.T) {
	t.Run("should rebuild a matchable error from a replayed outcome", func(t *testing.T) {
		resp := &domain.CallResponse{Error: &domain.CallError{
			Kind:    domain.KindInsufficientFunds,
			Message: "need 0.02",
		}}

		require.ErrorIs(t, resp.Err(), domain.ErrInsufficientFunds)
	})

	t.Run("should be nil for settled responses", func(t *testing.T) {
		require.NoError(t, (&domain.CallResponse{Status: domain.StatusSettled}).Err())
	})
}
