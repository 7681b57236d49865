package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_AcceptsDescriptorsAndCronSpecs(t *testing.T) {
	s := NewScheduler()
	noop := func(ctx context.Context) error { return nil }

	require.NoError(t, s.Add(context.Background(), Task{Name: "sweep", Schedule: "@every 30s", Run: noop}))
	require.NoError(t, s.Add(context.Background(), Task{Name: "rebuild", Schedule: "@daily", Run: noop}))
	require.NoError(t, s.Add(context.Background(), Task{Name: "five", Schedule: "*/5 * * * *", Run: noop}))
	assert.Equal(t, 3, s.Entries())
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	s := NewScheduler()
	err := s.Add(context.Background(), Task{Name: "bad", Schedule: "every now and then", Run: func(ctx context.Context) error { return nil }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}
