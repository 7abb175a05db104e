package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func TestManager_PrunesOutsideWindow(t *testing.T) {
	m := NewManager("s1", 10*time.Second, 0)
	for i := range 20 {
		m.RecordMetrics(Sample{SegmentsGenerated: i, Timestamp: at(i)})
	}

	r := m.StatusReport()
	// Newest sample at t=19 keeps t=9..19.
	assert.Equal(t, 11, r.Samples)
	assert.Equal(t, at(19), r.UpdatedAt)
}

func TestManager_Health(t *testing.T) {
	tests := []struct {
		name     string
		samples  []Sample
		consumed int
		want     Health
	}{
		{
			name: "single sample",
			samples: []Sample{
				{SegmentsGenerated: 3, Timestamp: at(0)},
			},
			want: HealthUnknown,
		},
		{
			name: "encoder ahead",
			samples: []Sample{
				{SegmentsGenerated: 0, SegmentsConsumed: 0, Timestamp: at(0)},
				{SegmentsGenerated: 10, SegmentsConsumed: 5, Timestamp: at(10)},
			},
			want: HealthHealthy,
		},
		{
			name: "encoder behind with a few buffered",
			samples: []Sample{
				{SegmentsGenerated: 10, SegmentsConsumed: 0, Timestamp: at(0)},
				{SegmentsGenerated: 14, SegmentsConsumed: 6, Timestamp: at(10)},
			},
			want: HealthLow,
		},
		{
			name: "encoder behind and drained",
			samples: []Sample{
				{SegmentsGenerated: 4, SegmentsConsumed: 0, Timestamp: at(0)},
				{SegmentsGenerated: 6, SegmentsConsumed: 6, Timestamp: at(10)},
			},
			want: HealthStarving,
		},
		{
			name: "far ahead",
			samples: []Sample{
				{SegmentsGenerated: 0, Timestamp: at(0)},
				{SegmentsGenerated: 40, SegmentsConsumed: 2, Timestamp: at(20)},
			},
			want: HealthSurplus,
		},
		{
			name: "consumption tracked separately",
			samples: []Sample{
				{SegmentsGenerated: 10, Timestamp: at(0)},
				{SegmentsGenerated: 12, Timestamp: at(10)},
			},
			consumed: 12,
			want:     HealthStarving,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager("s", time.Minute, 30)
			for _, s := range tt.samples {
				m.RecordMetrics(s)
			}
			if tt.consumed > 0 {
				m.MarkConsumed(tt.consumed - 1)
			}
			assert.Equal(t, tt.want, m.StatusReport().Health)
		})
	}
}

func TestManager_RatesAndBuffered(t *testing.T) {
	m := NewManager("s", time.Minute, 30)
	m.RecordMetrics(Sample{EncodeSpeed: 1.5, SegmentsGenerated: 0, Timestamp: at(0)})
	m.MarkConsumed(3)
	m.RecordMetrics(Sample{EncodeSpeed: 2.5, FPS: 60, SegmentsGenerated: 10, Timestamp: at(10), Estimated: true})

	r := m.StatusReport()
	assert.InDelta(t, 1.0, r.GenerationRate, 0.0001)
	assert.InDelta(t, 0.4, r.ConsumptionRate, 0.0001)
	assert.Equal(t, 6, r.BufferedSegments)
	assert.InDelta(t, 2.5, r.EncodeSpeed, 0.0001)
	assert.True(t, r.Estimated)
	assert.False(t, m.ShouldThrottle())
}

func TestManager_MarkConsumedMonotonic(t *testing.T) {
	m := NewManager("s", 0, 0)
	m.MarkConsumed(5)
	m.MarkConsumed(2)
	assert.Equal(t, 6, m.Consumed())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(time.Minute, 30)

	_, ok := r.Lookup("a")
	assert.False(t, ok)

	a := r.Get("a")
	assert.Same(t, a, r.Get("a"))
	r.Get("b").RecordMetrics(Sample{Timestamp: at(0)})

	reports := r.Reports()
	require.Len(t, reports, 2)
	assert.Equal(t, "a", reports[0].SessionID)
	assert.Equal(t, HealthUnknown, reports[0].Health)

	r.Discard("a")
	_, ok = r.Lookup("a")
	assert.False(t, ok)
	assert.Len(t, r.Reports(), 1)
}
