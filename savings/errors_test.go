package savings_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/savings-ledger/savings"
)

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		client    bool
		notFound  bool
		retryable bool
	}{
		{"validation", &savings.ValidationError{Field: "amount", Message: "must be positive"}, true, false, false},
		{"invalid state", &savings.InvalidStateError{Kind: "allocation", ID: "a", Status: "posted", Action: "post"}, true, false, false},
		{"insufficient balance", &savings.InsufficientBalanceError{}, true, false, false},
		{"wrapped duplicate", fmt.Errorf("open account: %w", savings.ErrDuplicate), true, false, false},
		{"not found", &savings.NotFoundError{Kind: "account", ID: "a"}, false, true, false},
		{"transient", &savings.TransientError{Op: "lock account", Err: context.DeadlineExceeded}, false, false, true},
		{"insufficient locked", &savings.InsufficientLockedBalanceError{}, false, false, false},
		{"unknown", errors.New("disk on fire"), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.client, savings.IsClientError(tt.err))
			assert.Equal(t, tt.notFound, savings.IsNotFound(tt.err))
			assert.Equal(t, tt.retryable, savings.IsRetryable(tt.err))
		})
	}
}
