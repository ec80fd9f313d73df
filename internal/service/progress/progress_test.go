package progress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tangleworks/vidimport/internal/domain"
)

func TestByteGate_OncePerInterval(t *testing.T) {
	g := NewByteGate(1 << 20)

	require.True(t, g.Allow(0, 10<<20), "first call always passes")
	require.False(t, g.Allow(512<<10, 10<<20), "below interval")
	require.False(t, g.Allow((1<<20)-1, 10<<20), "still below interval")
	require.True(t, g.Allow(1<<20, 10<<20), "interval reached")
	require.False(t, g.Allow((1<<20)+100, 10<<20))
	require.True(t, g.Allow(10<<20, 10<<20), "final byte always passes")
}

func TestByteGate_FinalWithoutTotal(t *testing.T) {
	g := NewByteGate(1 << 20)
	require.True(t, g.Allow(100, 0))
	require.False(t, g.Allow(200, 0), "unknown total still throttled")
	require.True(t, g.Allow(100+1<<20, 0))
}

func TestPercentGate_StepAndFinal(t *testing.T) {
	g := NewPercentGate(0.1)

	require.True(t, g.Allow(0))
	require.False(t, g.Allow(0.05))
	require.True(t, g.Allow(0.1))
	require.False(t, g.Allow(0.19))
	require.True(t, g.Allow(0.21))
	require.True(t, g.Allow(100), "completion always passes")
}

func TestReporter_DeliversLatest(t *testing.T) {
	var mu sync.Mutex
	var got []domain.Progress
	sink := func(p domain.Progress) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	}

	r := NewReporter(sink)
	for i := 0; i <= 50; i++ {
		r.Publish(domain.Progress{Stage: domain.StageDownloading, Percentage: float64(i * 2)})
	}
	r.Close()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	require.Equal(t, domain.StageDownloading, last.Stage)
	require.Equal(t, float64(100), last.Percentage)
	// conflation may drop intermediates but never reorders
	for i := 1; i < len(got); i++ {
		require.GreaterOrEqual(t, got[i].Percentage, got[i-1].Percentage)
	}
}

func TestReporter_MonotonicWithinStage(t *testing.T) {
	r := NewReporter()
	r.Publish(domain.Progress{Stage: domain.StageDownloading, Percentage: 40})
	r.Publish(domain.Progress{Stage: domain.StageDownloading, Percentage: 10})
	require.Equal(t, float64(40), r.Last().Percentage, "regression clamped to floor")

	// stage change resets the floor
	r.Publish(domain.Progress{Stage: domain.StageUploading, Percentage: 0})
	require.Equal(t, float64(0), r.Last().Percentage)
	require.Equal(t, domain.StageUploading, r.Last().Stage)
	r.Close()
}

func TestReporter_PublishNeverBlocks(t *testing.T) {
	block := make(chan struct{})
	r := NewReporter(func(domain.Progress) { <-block })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			r.Publish(domain.Progress{Stage: domain.StageDownloading, Percentage: float64(i) / 10})
		}
		close(done)
	}()

	<-done // would deadlock if Publish blocked on the stuck sink
	close(block)
	r.Close()
}

func TestReporter_CloseIdempotent(t *testing.T) {
	r := NewReporter()
	r.Publish(domain.Progress{Stage: domain.StageCleanup, Percentage: 100})
	r.Close()
	r.Close()
}
