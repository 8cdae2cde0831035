package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo(t *testing.T) {
	tests := []struct {
		name      string
		policy    Policy
		failTimes int
		wantCalls int
		wantErr   bool
	}{
		{
			name:      "успех с первой попытки",
			policy:    Policy{Attempts: 3, Delay: time.Millisecond},
			failTimes: 0,
			wantCalls: 1,
			wantErr:   false,
		},
		{
			name:      "успех после двух неудач",
			policy:    Policy{Attempts: 3, Delay: time.Millisecond},
			failTimes: 2,
			wantCalls: 3,
			wantErr:   false,
		},
		{
			name:      "все попытки исчерпаны",
			policy:    Policy{Attempts: 3, Delay: time.Millisecond},
			failTimes: 5,
			wantCalls: 3,
			wantErr:   true,
		},
		{
			name:      "нулевое число попыток трактуется как одна",
			policy:    Policy{Attempts: 0, Delay: time.Millisecond},
			failTimes: 1,
			wantCalls: 1,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := tt.policy.Do(context.Background(), func() error {
				calls++
				if calls <= tt.failTimes {
					return errors.New("transient")
				}
				return nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Policy{Attempts: 5, Delay: time.Second}.Do(ctx, func() error {
		calls++
		return errors.New("transient")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
