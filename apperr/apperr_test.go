package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"configuration", fmt.Errorf("s3: %w", ErrConfiguration), false},
		{"key validation", fmt.Errorf("bad key: %w", ErrKeyValidation), false},
		{"authorization", ErrAuthorization, false},
		{"canceled", fmt.Errorf("fetch: %w", context.Canceled), false},
		{"transient", fmt.Errorf("put: %w", ErrTransientProvider), true},
		{"object missing", fmt.Errorf("open: %w", ErrObjectNotFound), true},
		{"analysis", ErrAnalysis, true},
		{"deadline", context.DeadlineExceeded, true},
		{"unclassified", errors.New("boom"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Retryable(tc.err))
		})
	}
}

func TestIsClientError(t *testing.T) {
	assert.True(t, IsClientError(fmt.Errorf("x: %w", ErrAuthorization)))
	assert.True(t, IsClientError(ErrKeyValidation))
	assert.False(t, IsClientError(ErrTransientProvider))
	assert.False(t, IsClientError(ErrConfiguration))
}
