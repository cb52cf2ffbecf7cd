package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"upbit-trading-bot/internal/regime"
)

func newTestSelector() (*Selector, *time.Time) {
	s := NewSelector(
		NewBreakoutEngine(),
		NewVolatilitySurvivalEngine(),
	)
	// Grid and DCA are only needed as codes here; register stubs so every
	// table choice resolves.
	s.engines[CodeGrid] = NewBreakoutEngine()
	s.engines[CodeDCA] = NewBreakoutEngine()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestTableChoice(t *testing.T) {
	cases := []struct {
		name string
		reg  regime.Analysis
		want string
	}{
		{"bull", regime.Analysis{Regime: regime.Bull, Confidence: 0.8}, CodeBreakout},
		{"bear calm", regime.Analysis{Regime: regime.Bear, Confidence: 0.8, ATRPercent: 1.0}, CodeDCA},
		{"bear volatile", regime.Analysis{Regime: regime.Bear, Confidence: 0.8, ATRPercent: 2.5}, CodeVolatilitySurvival},
		{"high vol", regime.Analysis{Regime: regime.HighVol, Confidence: 0.8}, CodeVolatilitySurvival},
		{"sideways calm", regime.Analysis{Regime: regime.Sideways, Confidence: 0.8, ATRPercent: 1.0}, CodeGrid},
		{"sideways volatile", regime.Analysis{Regime: regime.Sideways, Confidence: 0.8, ATRPercent: 2.5}, CodeBreakout},
		{"low confidence overrides regime", regime.Analysis{Regime: regime.Bull, Confidence: 0.3}, CodeGrid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tableChoice(tc.reg))
		})
	}
}

func TestSelectorDebouncesRegimeFlicker(t *testing.T) {
	s, now := newTestSelector()
	bull := regime.Analysis{Regime: regime.Bull, Confidence: 0.8}
	highVol := regime.Analysis{Regime: regime.HighVol, Confidence: 0.8}

	// First sighting fixes the initial engine.
	assert.Equal(t, CodeBreakout, s.Select("KRW-BTC", bull).Code())

	// Move past the cooldown so only the debounce is in play.
	*now = now.Add(2 * time.Hour)

	// Two high-vol ticks are not enough.
	assert.Equal(t, CodeBreakout, s.Select("KRW-BTC", highVol).Code())
	assert.Equal(t, CodeBreakout, s.Select("KRW-BTC", highVol).Code())
	// The third consecutive tick switches.
	assert.Equal(t, CodeVolatilitySurvival, s.Select("KRW-BTC", highVol).Code())
	assert.Equal(t, CodeVolatilitySurvival, s.Current("KRW-BTC"))
}

func TestSelectorFlickerResetsCandidate(t *testing.T) {
	s, now := newTestSelector()
	bull := regime.Analysis{Regime: regime.Bull, Confidence: 0.8}
	highVol := regime.Analysis{Regime: regime.HighVol, Confidence: 0.8}

	s.Select("KRW-BTC", bull)
	*now = now.Add(2 * time.Hour)

	s.Select("KRW-BTC", highVol)
	s.Select("KRW-BTC", highVol)
	// The regime snaps back before the third hit; the streak restarts.
	s.Select("KRW-BTC", bull)
	s.Select("KRW-BTC", highVol)
	s.Select("KRW-BTC", highVol)
	assert.Equal(t, CodeBreakout, s.Current("KRW-BTC"))
}

func TestSelectorCooldownBlocksRapidSwitches(t *testing.T) {
	s, now := newTestSelector()
	bull := regime.Analysis{Regime: regime.Bull, Confidence: 0.8}
	highVol := regime.Analysis{Regime: regime.HighVol, Confidence: 0.8}

	s.Select("KRW-BTC", bull)

	// Inside the hour after the initial selection, even a debounced
	// candidate must wait.
	*now = now.Add(10 * time.Minute)
	s.Select("KRW-BTC", highVol)
	s.Select("KRW-BTC", highVol)
	assert.Equal(t, CodeBreakout, s.Select("KRW-BTC", highVol).Code())

	*now = now.Add(time.Hour)
	assert.Equal(t, CodeVolatilitySurvival, s.Select("KRW-BTC", highVol).Code())
}

func TestSelectorTracksMarketsIndependently(t *testing.T) {
	s, _ := newTestSelector()

	s.Select("KRW-BTC", regime.Analysis{Regime: regime.Bull, Confidence: 0.8})
	s.Select("KRW-ETH", regime.Analysis{Regime: regime.HighVol, Confidence: 0.8})

	assert.Equal(t, CodeBreakout, s.Current("KRW-BTC"))
	assert.Equal(t, CodeVolatilitySurvival, s.Current("KRW-ETH"))
	assert.Equal(t, "", s.Current("KRW-XRP"))
}
