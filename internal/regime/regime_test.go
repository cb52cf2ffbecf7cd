package regime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"upbit-trading-bot/internal/upbit"
)

// trendCandles builds n candles whose close moves by ratio each step.
// ratio 1.006 is a steady +0.6% climb, 0.994 the mirror decline.
func trendCandles(n int, start, ratio float64) []upbit.Candle {
	out := make([]upbit.Candle, n)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	price := start
	for i := range out {
		next := price * ratio
		high, low := price, next
		if next > price {
			high, low = next, price
		}
		out[i] = upbit.Candle{
			Market:    "KRW-BTC",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      price,
			High:      high * 1.001,
			Low:       low * 0.999,
			Close:     next,
			Volume:    10,
		}
		price = next
	}
	return out
}

func flatCandles(n int, close float64) []upbit.Candle {
	out := make([]upbit.Candle, n)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = upbit.Candle{
			Market:    "KRW-BTC",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      close,
			High:      close,
			Low:       close,
			Close:     close,
			Volume:    10,
		}
	}
	return out
}

func TestNewSelectsDetector(t *testing.T) {
	assert.IsType(t, &SimpleDetector{}, New(DetectorSimple))
	assert.IsType(t, &HiddenDetector{}, New(DetectorHidden))
	assert.IsType(t, &SimpleDetector{}, New(""), "unknown types fall back to the indicator detector")
}

func TestSimpleDetectorClassifiesTrends(t *testing.T) {
	d := NewSimpleDetector()

	up := d.Detect(trendCandles(60, 100, 1.006))
	assert.Equal(t, Bull, up.Regime)
	assert.Greater(t, up.ADX, adxTrendThreshold)
	assert.Greater(t, up.Confidence, 0.5)

	down := d.Detect(trendCandles(60, 100, 0.994))
	assert.Equal(t, Bear, down.Regime)
}

func TestSimpleDetectorFlatIsSideways(t *testing.T) {
	d := NewSimpleDetector()

	a := d.Detect(flatCandles(60, 100))
	assert.Equal(t, Sideways, a.Regime)
	assert.Zero(t, a.ADX)
	assert.Zero(t, a.ATRPercent)
}

func TestSimpleDetectorShortWindowIsSideways(t *testing.T) {
	d := NewSimpleDetector()

	a := d.Detect(trendCandles(10, 100, 1.006))
	assert.Equal(t, Sideways, a.Regime)
	assert.Zero(t, a.Confidence)
}

func TestHiddenDetectorClassifiesTrends(t *testing.T) {
	d := NewHiddenDetector()

	up := d.Detect(trendCandles(60, 100, 1.006))
	assert.Equal(t, Bull, up.Regime)
	assert.Greater(t, up.Confidence, 0.0)

	down := d.Detect(trendCandles(60, 100, 0.994))
	assert.Equal(t, Bear, down.Regime)
}

func TestHiddenDetectorFlatIsSideways(t *testing.T) {
	d := NewHiddenDetector()

	a := d.Detect(flatCandles(60, 100))
	assert.Equal(t, Sideways, a.Regime)
}

func TestHiddenDetectorFallsBackOnShortWindow(t *testing.T) {
	d := NewHiddenDetector()
	candles := trendCandles(30, 100, 1.006)

	got := d.Detect(candles)
	want := NewSimpleDetector().Detect(candles)
	assert.Equal(t, want, got, "short windows must defer to the indicator detector")
}

func TestObservationBuckets(t *testing.T) {
	assert.Equal(t, 0, bucketReturn(-1.0))
	assert.Equal(t, 1, bucketReturn(-0.3))
	assert.Equal(t, 2, bucketReturn(0.0))
	assert.Equal(t, 3, bucketReturn(0.3))
	assert.Equal(t, 4, bucketReturn(1.0))

	assert.Equal(t, 0, bucketVol(0.2))
	assert.Equal(t, 1, bucketVol(1.0))
	assert.Equal(t, 2, bucketVol(3.0))

	assert.Equal(t, 0, bucketVolume(0.5))
	assert.Equal(t, 1, bucketVolume(1.0))
	assert.Equal(t, 2, bucketVolume(2.0))
}
