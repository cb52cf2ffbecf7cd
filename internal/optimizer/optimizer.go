// Package optimizer runs the daily parameter-adjustment loop: it summarizes
// recent trade history, asks the reasoning service for parameter suggestions
// and writes them into the settings store only when every safety guard
// passes. Every accept and reject is appended to the audit log.
package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"upbit-trading-bot/internal/ai/llm"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/settings"
)

// Safety guards on accepted suggestions.
const (
	maxChangePercent  = 20.0
	minHistoryDays    = 30
	minConfidence     = 0.9
	perKeyWriteGap    = 7 * 24 * time.Hour
	runHourLocal      = 1
	tradeSummaryLimit = 200
)

// Reject reasons recorded in the audit log.
const (
	rejectShortHistory   = "INSUFFICIENT_HISTORY"
	rejectLowConfidence  = "LOW_CONFIDENCE"
	rejectOutOfBounds    = "OUT_OF_BOUNDS"
	rejectRecentWrite    = "RECENT_WRITE"
	rejectUnknownParam   = "UNKNOWN_PARAM"
	rejectMalformedValue = "MALFORMED_VALUE"
)

// Keys the optimizer may tune.
var tunableKeys = map[string]bool{
	settings.KeyStopLossPercent:   true,
	settings.KeyTakeProfitPercent: true,
	settings.KeyTrailingPercent:   true,
	settings.KeyOrderAmount:       true,
	settings.KeyBuyCooldownSec:    true,
	settings.KeyMinHoldingSeconds: true,
}

// Repository is the database slice the optimizer uses.
type Repository interface {
	TradesSince(ctx context.Context, since time.Time) ([]*database.Trade, error)
	FirstTradeTime(ctx context.Context) (time.Time, error)
	InsertOptimizerAudit(ctx context.Context, a *database.OptimizerAudit) error
	LastAcceptedParamWrite(ctx context.Context, paramKey string) (time.Time, error)
}

// Suggestion is one parameter change proposed by the reasoning service.
type Suggestion struct {
	ParamKey   string  `json:"param_key"`
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Optimizer drives the daily loop.
type Optimizer struct {
	repo     Repository
	store    *settings.Store
	client   *llm.Client
	location *time.Location
	now      func() time.Time
}

// New creates an optimizer.
func New(repo Repository, store *settings.Store, client *llm.Client, loc *time.Location) *Optimizer {
	return &Optimizer{
		repo:     repo,
		store:    store,
		client:   client,
		location: loc,
		now:      time.Now,
	}
}

// Run sleeps until the next local run hour, executes one pass, and repeats
// until ctx ends.
func (o *Optimizer) Run(ctx context.Context) {
	for {
		wait := o.untilNextRun()
		log.Info().Dur("wait", wait).Msg("optimizer scheduled")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if err := o.RunOnce(ctx); err != nil {
			log.Error().Err(err).Msg("optimizer pass failed")
		}
	}
}

func (o *Optimizer) untilNextRun() time.Duration {
	now := o.now().In(o.location)
	next := time.Date(now.Year(), now.Month(), now.Day(), runHourLocal, 0, 0, 0, o.location)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}

// RunOnce executes one optimization pass.
func (o *Optimizer) RunOnce(ctx context.Context) error {
	if !o.store.GetBool(ctx, "optimizer.enabled", false) {
		log.Debug().Msg("optimizer disabled")
		return nil
	}
	if !o.client.Configured() {
		return fmt.Errorf("llm client not configured")
	}

	first, err := o.repo.FirstTradeTime(ctx)
	if err != nil {
		return err
	}
	historyOK := !first.IsZero() && o.now().Sub(first) >= minHistoryDays*24*time.Hour

	trades, err := o.repo.TradesSince(ctx, o.now().AddDate(0, 0, -minHistoryDays))
	if err != nil {
		return err
	}

	suggestions, err := o.suggest(ctx, trades)
	if err != nil {
		return err
	}

	for _, s := range suggestions {
		o.apply(ctx, s, historyOK)
	}
	return nil
}

// suggest summarizes the trades and parses the oracle's JSON reply.
func (o *Optimizer) suggest(ctx context.Context, trades []*database.Trade) ([]Suggestion, error) {
	reply, err := o.client.Complete(ctx, systemPrompt, o.buildPrompt(ctx, trades))
	if err != nil {
		return nil, fmt.Errorf("completion: %w", err)
	}

	// The reply may wrap the JSON in a code fence.
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no suggestion array in reply")
	}

	var suggestions []Suggestion
	if err := json.Unmarshal([]byte(reply[start:end+1]), &suggestions); err != nil {
		return nil, fmt.Errorf("parse suggestions: %w", err)
	}
	return suggestions, nil
}

const systemPrompt = `You tune parameters of an automated spot trading system.
Reply with only a JSON array of objects with fields param_key, value (number),
confidence (0..1) and rationale. Suggest at most three changes and only when
the trade history clearly supports them.`

func (o *Optimizer) buildPrompt(ctx context.Context, trades []*database.Trade) string {
	var b strings.Builder
	b.WriteString("Current parameters:\n")
	for key := range tunableKeys {
		if v, ok := o.store.Get(ctx, key); ok {
			fmt.Fprintf(&b, "  %s = %s\n", key, v)
		}
	}

	wins, losses := 0, 0
	var pnlSum float64
	for _, t := range trades {
		if t.Pnl == nil {
			continue
		}
		v, _ := t.Pnl.Float64()
		pnlSum += v
		if v >= 0 {
			wins++
		} else {
			losses++
		}
	}
	fmt.Fprintf(&b, "\nLast %d days: %d trades, %d wins, %d losses, net pnl %.0f\n",
		minHistoryDays, len(trades), wins, losses, pnlSum)

	b.WriteString("\nRecent trades (newest last):\n")
	start := 0
	if len(trades) > tradeSummaryLimit {
		start = len(trades) - tradeSummaryLimit
	}
	for _, t := range trades[start:] {
		pnl := ""
		if t.Pnl != nil {
			pnl = ", pnl " + t.Pnl.StringFixed(0)
		}
		fmt.Fprintf(&b, "  %s %s %s @ %s x %s (%s%s)\n",
			t.CreatedAt.Format("2006-01-02 15:04"), t.Side, t.Market,
			t.Price, t.Quantity, t.Strategy, pnl)
	}
	return b.String()
}

// apply runs the guards for one suggestion and records the decision.
func (o *Optimizer) apply(ctx context.Context, s Suggestion, historyOK bool) {
	current, hasCurrent := o.store.Get(ctx, s.ParamKey)
	audit := &database.OptimizerAudit{
		ParamKey:       s.ParamKey,
		SuggestedValue: formatValue(s.Value),
		Confidence:     s.Confidence,
	}
	if hasCurrent {
		audit.CurrentValue = &current
	}
	if s.Rationale != "" {
		rationale := s.Rationale
		audit.Rationale = &rationale
	}

	reject := func(reason string) {
		r := reason
		audit.RejectReason = &r
		o.record(ctx, audit)
		log.Info().Str("param", s.ParamKey).Str("reason", reason).Msg("optimizer suggestion rejected")
	}

	if !tunableKeys[s.ParamKey] {
		reject(rejectUnknownParam)
		return
	}
	if !historyOK {
		reject(rejectShortHistory)
		return
	}
	if s.Confidence < minConfidence {
		reject(rejectLowConfidence)
		return
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		reject(rejectMalformedValue)
		return
	}
	if hasCurrent {
		currentValue := o.store.GetFloat(ctx, s.ParamKey, 0)
		if currentValue != 0 {
			change := math.Abs(s.Value-currentValue) / math.Abs(currentValue) * 100
			if change > maxChangePercent {
				reject(rejectOutOfBounds)
				return
			}
		}
	}
	lastWrite, err := o.repo.LastAcceptedParamWrite(ctx, s.ParamKey)
	if err != nil {
		log.Warn().Err(err).Str("param", s.ParamKey).Msg("audit lookup failed")
		return
	}
	if !lastWrite.IsZero() && o.now().Sub(lastWrite) < perKeyWriteGap {
		reject(rejectRecentWrite)
		return
	}

	if err := o.store.SetFloat(ctx, s.ParamKey, s.Value); err != nil {
		log.Error().Err(err).Str("param", s.ParamKey).Msg("optimizer write failed")
		return
	}
	audit.Accepted = true
	o.record(ctx, audit)
	log.Info().
		Str("param", s.ParamKey).
		Float64("value", s.Value).
		Float64("confidence", s.Confidence).
		Msg("optimizer suggestion accepted")
}

func (o *Optimizer) record(ctx context.Context, audit *database.OptimizerAudit) {
	if err := o.repo.InsertOptimizerAudit(ctx, audit); err != nil {
		log.Error().Err(err).Str("param", audit.ParamKey).Msg("optimizer audit write failed")
	}
}

func formatValue(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%g", v)
}
