package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wasmatrix/wasmatrix/internal/instance"
)

func TestEvaluate_Never(t *testing.T) {
	d := Evaluate(instance.RestartPolicy{Type: instance.PolicyNever}, 1, instance.StatusCrashed)
	require.False(t, d.Restart)
	require.False(t, d.Violation)
}

func TestEvaluate_OnlyActsOnCrashed(t *testing.T) {
	policy := instance.RestartPolicy{Type: instance.PolicyOnFailure, BackoffBase: 10 * time.Millisecond, BackoffCap: 160 * time.Millisecond}
	d := Evaluate(policy, 1, instance.StatusStopped)
	require.False(t, d.Restart)
}

func TestEvaluate_ExponentialBackoff(t *testing.T) {
	policy := instance.RestartPolicy{
		Type:        instance.PolicyOnFailure,
		MaxRetries:  3,
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  160 * time.Millisecond,
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	for i, w := range want {
		crashCount := i + 1
		d := Evaluate(policy, crashCount, instance.StatusCrashed)
		require.True(t, d.Restart, "crash %d should restart", crashCount)
		require.False(t, d.Violation)
		require.Equal(t, w, d.Delay, "crash %d delay", crashCount)
	}
	// the 4th crash exceeds MaxRetries=3
	d := Evaluate(policy, 4, instance.StatusCrashed)
	require.False(t, d.Restart)
	require.True(t, d.Violation)
}

func TestEvaluate_BackoffCapsOut(t *testing.T) {
	policy := instance.RestartPolicy{
		Type:        instance.PolicyOnFailure,
		BackoffBase: 5 * time.Second,
		BackoffCap:  300 * time.Second,
	}
	// base=5s, successive crashes: 5,10,20,40,80,160,300(capped),300...
	cases := []struct {
		crashCount int
		want       time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 80 * time.Second},
		{6, 160 * time.Second},
		{7, 300 * time.Second},
		{20, 300 * time.Second},
	}
	for _, c := range cases {
		d := Evaluate(policy, c.crashCount, instance.StatusCrashed)
		require.Equal(t, c.want, d.Delay, "crashCount=%d", c.crashCount)
	}
}

func TestEvaluate_AlwaysRestartsWithFixedDelay(t *testing.T) {
	policy := instance.RestartPolicy{Type: instance.PolicyAlways, BackoffBase: 50 * time.Millisecond}
	d := Evaluate(policy, 7, instance.StatusCrashed)
	require.True(t, d.Restart)
	require.Equal(t, 50*time.Millisecond, d.Delay)
}

func TestEvaluate_AlwaysRespectsMaxRetries(t *testing.T) {
	policy := instance.RestartPolicy{Type: instance.PolicyAlways, MaxRetries: 2}
	d := Evaluate(policy, 3, instance.StatusCrashed)
	require.False(t, d.Restart)
	require.True(t, d.Violation)
}
