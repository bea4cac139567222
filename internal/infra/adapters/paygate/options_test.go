package paygate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultBackOffSchedules(t *testing.T) {
	cases := []struct {
		name string
		opts func(Options) Options
		want []time.Duration
	}{
		{
			name: "transport retry doubles from 1s up to 8s",
			opts: func(o Options) Options { return o },
			want: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second, 8 * time.Second},
		},
		{
			name: "duplicate recovery waits a constant 800ms",
			opts: func(o Options) Options { o.RetryBackOff = o.RecoveryBackOff; return o },
			want: []time.Duration{800 * time.Millisecond, 800 * time.Millisecond, 800 * time.Millisecond},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts, err := withDefaults(Options{Config: Config{BaseURL: "gw.example.com", MerchantNo: "M1"}})
			require.NoError(t, err)
			b := tc.opts(opts).RetryBackOff()
			for i, want := range tc.want {
				require.Equal(t, want, b.NextBackOff(), "step %d", i)
			}
		})
	}
}

func TestRetryBackOffResetsPerCall(t *testing.T) {
	first := defaultRetryBackOff()
	first.NextBackOff()
	first.NextBackOff()
	require.Equal(t, time.Second, defaultRetryBackOff().NextBackOff())
}

func TestRetryAttemptBudget(t *testing.T) {
	require.Equal(t, 3, maxAttempts)
	require.Equal(t, 3, recoveryAttempts)
}
