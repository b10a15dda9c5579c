package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{Base: time.Second, Max: 10 * time.Second}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, p.Delay(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestPolicyDegenerate(t *testing.T) {
	assert.Zero(t, Policy{}.Delay(3))
	assert.Equal(t, 5*time.Second, Policy{Base: 5 * time.Second, Max: time.Second}.Delay(4))

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := Policy{Base: time.Minute, Max: time.Hour}.NextAttempt(now, 2)
	assert.True(t, got.Equal(now.Add(2*time.Minute)))
}
