package records

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/richardartoul/deferdb/kv/pebblekv"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/stretchr/testify/require"
)

func TestBenchAddAndGetByIndex(t *testing.T) {
	testBenchAddAndGetByIndex(t, 50*time.Microsecond, 15*time.Second)
}

func testBenchAddAndGetByIndex(
	t *testing.T,
	invokeEvery time.Duration,
	benchDuration time.Duration,
) {
	// Comment out to run.
	t.Skip()

	s, err := pebblekv.NewInMemory()
	require.NoError(t, err)
	c := newTestClient(t, s, Options{})
	db := openUsers(t, c)

	addSketch, err := ddsketch.NewDefaultDDSketch(0.01)
	require.NoError(t, err)
	getSketch, err := ddsketch.NewDefaultDDSketch(0.01)
	require.NoError(t, err)

	var (
		ctx, cc    = context.WithCancel(context.Background())
		wg         sync.WaitGroup
		benchState = &benchState{
			addLatency: addSketch,
			getLatency: getSketch,
		}
		ticker = time.NewTicker(invokeEvery)
	)
	go func() {
		for i := 1; ; i++ {
			i := i // Capture for async goroutine.
			select {
			case <-ticker.C:
				wg.Add(1)
				go func() {
					defer wg.Done()

					email := fmt.Sprintf("user%d@x.com", i%1000)
					start := time.Now()
					_, err := c.AddRecord(db, "people", map[string]any{"email": email}).Wait()
					if err != nil {
						panic(err)
					}
					benchState.trackAddLatency(time.Since(start))

					start = time.Now()
					_, err = c.GetByIndex(db, "people", "email", email).Wait()
					if err != nil {
						panic(err)
					}
					benchState.trackGetLatency(time.Since(start))

					if i%100 == 0 {
						benchState.setNumInvokes(i)
					}
				}()
			case <-ctx.Done():
				benchState.setNumInvokes(i)
				return
			}
		}
	}()

	time.Sleep(benchDuration)
	ticker.Stop()
	cc()
	wg.Wait()

	fmt.Println("Inputs")
	fmt.Println("    invokeEvery", invokeEvery)
	fmt.Println("Results")
	fmt.Println("    numInvokes", benchState.getNumInvokes())
	fmt.Println("    invoke/s", float64(benchState.getNumInvokes())/benchDuration.Seconds())
	fmt.Println("    median latency (adds)", getQuantile(t, benchState.addLatency, 0.5), "µs")
	fmt.Println("    p99 latency (adds)", getQuantile(t, benchState.addLatency, 0.99), "µs")
	fmt.Println("    median latency (gets)", getQuantile(t, benchState.getLatency, 0.5), "µs")
	fmt.Println("    p99 latency (gets)", getQuantile(t, benchState.getLatency, 0.99), "µs")

	t.Fail() // Fail so it prints output.
}

type benchState struct {
	sync.RWMutex

	numInvokes int
	addLatency *ddsketch.DDSketch
	getLatency *ddsketch.DDSketch
}

func (b *benchState) setNumInvokes(x int) {
	b.Lock()
	defer b.Unlock()

	b.numInvokes = x
}

func (b *benchState) getNumInvokes() int {
	b.RLock()
	defer b.RUnlock()

	return b.numInvokes
}

func (b *benchState) trackAddLatency(x time.Duration) {
	b.Lock()
	defer b.Unlock()

	b.addLatency.Add(float64(x.Microseconds()))
}

func (b *benchState) trackGetLatency(x time.Duration) {
	b.Lock()
	defer b.Unlock()

	b.getLatency.Add(float64(x.Microseconds()))
}

func getQuantile(t *testing.T, sketch *ddsketch.DDSketch, q float64) float64 {
	quantile, err := sketch.GetValueAtQuantile(q)
	require.NoError(t, err)
	return quantile
}
