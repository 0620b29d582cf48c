package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procgenie/backend/internal/logging"
	"procgenie/backend/internal/repository"
	"procgenie/backend/pkg/models"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "PT1H", want: time.Hour},
		{in: "PT30M", want: 30 * time.Minute},
		{in: "P1DT2H", want: 26 * time.Hour},
		{in: "1h", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFake(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := NewFake(start)
	c.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), c.Now())
	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestTimerService(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := NewFake(start)
	store := repository.NewMemoryStore()
	svc := NewTimerService(store, clk, logging.NewNop())

	timer, err := svc.Schedule(ctx, models.TimerSLABreach, "i-1", "s-1", 1, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "sla_breach:s-1:1", timer.ID)

	select {
	case <-svc.Wake():
	default:
		t.Fatal("scheduling should signal the wake channel")
	}

	_, err = svc.Schedule(ctx, models.TimerSLABreach, "i-1", "s-1", 1, start.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, svc.NextDue(ctx, 24*time.Hour), "rescheduling replaces the due time")
	assert.Equal(t, 10*time.Minute, svc.NextDue(ctx, 10*time.Minute))

	claimed, err := svc.ClaimDue(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	clk.Advance(2 * time.Hour)
	claimed, err = svc.ClaimDue(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, svc.Done(ctx, claimed[0]))
	assert.Equal(t, time.Hour, svc.NextDue(ctx, time.Hour))
}

func TestTimerService_Cancel(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := NewFake(start)
	svc := NewTimerService(repository.NewMemoryStore(), clk, logging.NewNop())

	_, err := svc.Schedule(ctx, models.TimerStepExpiry, "i-1", "s-1", 0, start)
	require.NoError(t, err)
	_, err = svc.Schedule(ctx, models.TimerSLABreach, "i-1", "s-1", 1, start)
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, "s-1"))
	claimed, err := svc.ClaimDue(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}
