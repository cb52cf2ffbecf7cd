package strategy

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"upbit-trading-bot/internal/regime"
)

const (
	// A new regime must repeat this many consecutive ticks before the
	// selector switches engines.
	debounceTicks = 3
	// Minimum time between engine switches per market.
	switchCooldown = time.Hour

	lowConfidenceFloor = 0.5
)

type selectorState struct {
	current       string
	candidate     string
	candidateHits int
	lastSwitch    time.Time
}

// Selector picks one engine per market per tick from the detected regime,
// with per-market debounce and a post-switch cooldown so engines are not
// thrashed by regime flicker.
type Selector struct {
	engines map[string]Engine
	now     func() time.Time

	mu     sync.Mutex
	states map[string]*selectorState
}

// NewSelector creates a selector over the given engines.
func NewSelector(engines ...Engine) *Selector {
	m := make(map[string]Engine, len(engines))
	for _, e := range engines {
		m[e.Code()] = e
	}
	return &Selector{
		engines: m,
		now:     time.Now,
		states:  make(map[string]*selectorState),
	}
}

// tableChoice is the pure mapping from (regime, confidence, atrPercent) to a
// strategy code. Low confidence always reads as the conservative grid.
func tableChoice(reg regime.Analysis) string {
	if reg.Confidence < lowConfidenceFloor {
		return CodeGrid
	}
	highATR := reg.ATRPercent >= 2.0
	switch reg.Regime {
	case regime.Bull:
		return CodeBreakout
	case regime.Bear:
		if highATR {
			return CodeVolatilitySurvival
		}
		return CodeDCA
	case regime.HighVol:
		return CodeVolatilitySurvival
	default:
		if highATR {
			return CodeBreakout
		}
		return CodeGrid
	}
}

// Select returns the engine for a market given the current regime reading.
func (s *Selector) Select(market string, reg regime.Analysis) Engine {
	choice := tableChoice(reg)

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[market]
	if !ok {
		st = &selectorState{current: choice, lastSwitch: s.now()}
		s.states[market] = st
		return s.engines[choice]
	}

	if choice == st.current {
		st.candidate = ""
		st.candidateHits = 0
		return s.engines[st.current]
	}

	if choice != st.candidate {
		st.candidate = choice
		st.candidateHits = 1
		return s.engines[st.current]
	}

	st.candidateHits++
	if st.candidateHits < debounceTicks {
		return s.engines[st.current]
	}
	if s.now().Sub(st.lastSwitch) < switchCooldown {
		return s.engines[st.current]
	}

	log.Info().
		Str("market", market).
		Str("from", st.current).
		Str("to", choice).
		Str("regime", reg.Regime).
		Msg("strategy switch")
	st.current = choice
	st.candidate = ""
	st.candidateHits = 0
	st.lastSwitch = s.now()
	return s.engines[st.current]
}

// Current returns the active strategy code for a market, empty before the
// first selection.
func (s *Selector) Current(market string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[market]; ok {
		return st.current
	}
	return ""
}

// Engine returns the engine registered under a code, nil when unknown.
func (s *Selector) Engine(code string) Engine {
	return s.engines[code]
}
