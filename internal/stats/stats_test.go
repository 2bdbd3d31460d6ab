package stats

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercentileEndpoints(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(40)
		data := make([]float64, n)
		lo, hi := 1e18, -1e18
		for i := range data {
			data[i] = rng.NormFloat64() * 100
			if data[i] < lo {
				lo = data[i]
			}
			if data[i] > hi {
				hi = data[i]
			}
		}
		assert.Equal(t, lo, Percentile(data, 0))
		assert.Equal(t, hi, Percentile(data, 100))
	}
}

func TestPercentileMonotonic(t *testing.T) {
	data := []float64{12, 3, 3, 40, 7, 19, 1, 88, 5}
	prev := Percentile(data, 0)
	for p := 0.5; p <= 100; p += 0.5 {
		cur := Percentile(data, p)
		assert.GreaterOrEqual(t, cur, prev-1e-9, "p=%v", p)
		prev = cur
	}
}

func TestPercentileInterpolates(t *testing.T) {
	data := []float64{10, 20, 30, 40}
	// k = 3*0.5 = 1.5 -> between 20 and 30
	assert.InDelta(t, 25.0, Percentile(data, 50), 1e-9)
	// k = 3*0.95 = 2.85 -> 30*0.15 + 40*0.85
	assert.InDelta(t, 38.5, Percentile(data, 95), 1e-9)
	assert.Equal(t, 20.0, Percentile([]float64{20}, 37))
	assert.Zero(t, Percentile(nil, 50))
}

func TestPercentileDoesNotMutateInput(t *testing.T) {
	data := []float64{3, 1, 2}
	Percentile(data, 50)
	assert.Equal(t, []float64{3, 1, 2}, data)
}

func TestStdDev(t *testing.T) {
	data := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	assert.InDelta(t, 5.0, Mean(data), 1e-12)
	assert.InDelta(t, 2.0, PopulationStdDev(data), 1e-12)
	assert.InDelta(t, 2.138089935, SampleStdDev(data), 1e-9)
	assert.Zero(t, SampleStdDev([]float64{1}))
	assert.Zero(t, PopulationStdDev(nil))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.1, Clamp(-3, 0.1, 2))
	assert.Equal(t, 2.0, Clamp(9, 0.1, 2))
	assert.Equal(t, 1.5, Clamp(1.5, 0.1, 2))
}
