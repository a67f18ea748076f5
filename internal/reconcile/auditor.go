// Package reconcile audits the local ledger against the venue's
// authoritative fill history and classifies every mismatch.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"keel/internal/ledger"
	"keel/internal/logger"
	"keel/internal/pkg/traderr"
	"keel/internal/store"
	"keel/internal/types"
	"keel/internal/venue"
)

// epsilon absorbs float dust when comparing net quantities.
const epsilon = 0.001

// Notifier receives discrepancies that need a human decision.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Auditor compares ledger and venue net positions. At most one audit
// runs at a time; overlapping calls get the cached last result.
type Auditor struct {
	venue  venue.Venue
	ledger *ledger.Ledger
	repo   store.ReconciliationRepository
	notify Notifier

	mu         sync.Mutex
	inProgress bool
	last       *types.ReconciliationResult

	nowFn func() time.Time
}

func New(v venue.Venue, led *ledger.Ledger, repo store.ReconciliationRepository, notify Notifier) *Auditor {
	return &Auditor{
		venue:  v,
		ledger: led,
		repo:   repo,
		notify: notify,
		nowFn:  time.Now,
	}
}

// ReconcileOnStartup audits and then auto-applies every
// SYNC_FROM_BROKER repair. Startup is the only moment syncs are
// applied without an operator asking for them.
func (a *Auditor) ReconcileOnStartup(ctx context.Context) (*types.ReconciliationResult, error) {
	return a.run(ctx, true)
}

// ReconcilePeriodic audits without touching the ledger. Repairs found
// here wait for an operator.
func (a *Auditor) ReconcilePeriodic(ctx context.Context) (*types.ReconciliationResult, error) {
	return a.run(ctx, false)
}

// LastResult returns the most recent audit, falling back to the
// persisted one.
func (a *Auditor) LastResult(ctx context.Context) (*types.ReconciliationResult, error) {
	a.mu.Lock()
	cached := a.last
	a.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	if a.repo == nil {
		return nil, traderr.NotFoundf("no reconciliation has run yet")
	}
	return a.repo.Last(ctx)
}

// SyncSymbolFromBroker replays the venue's fills for one symbol into
// the ledger. Fills already recorded are skipped.
func (a *Auditor) SyncSymbolFromBroker(ctx context.Context, symbol string) (int, error) {
	if !a.venue.IsConnected() {
		if err := a.venue.Connect(ctx); err != nil {
			return 0, fmt.Errorf("reconcile: venue unreachable: %w", err)
		}
	}
	fills, err := a.venue.Positions(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile: venue fills: %w", err)
	}
	synced := 0
	for _, fill := range fills {
		if fill.Symbol != symbol {
			continue
		}
		_, err := a.ledger.RecordExternalTrade(ctx, fill)
		switch {
		case err == nil:
			synced++
		case traderr.IsConflict(err):
			// Already recorded on an earlier pass.
		default:
			return synced, fmt.Errorf("reconcile: recording %s fill %s: %w", symbol, fill.ID, err)
		}
	}
	logger.Infof("reconcile: synced %d fills for %s from %s", synced, symbol, a.venue.Name())
	return synced, nil
}

func (a *Auditor) run(ctx context.Context, applySyncs bool) (*types.ReconciliationResult, error) {
	a.mu.Lock()
	if a.inProgress {
		last := a.last
		a.mu.Unlock()
		logger.Warnf("reconcile: audit already in progress, returning last result")
		return last, nil
	}
	a.inProgress = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.inProgress = false
		a.mu.Unlock()
	}()

	result := &types.ReconciliationResult{Timestamp: a.nowFn()}

	if !a.venue.IsConnected() {
		if err := a.venue.Connect(ctx); err != nil {
			// An unreachable venue is not an audit finding. Record a
			// clean empty pass and move on.
			logger.Warnf("reconcile: venue %s unreachable, skipping audit: %v", a.venue.Name(), err)
			a.finish(ctx, result)
			return result, nil
		}
	}

	fills, err := a.venue.Positions(ctx)
	if err != nil {
		logger.Warnf("reconcile: venue fills unavailable, skipping audit: %v", err)
		a.finish(ctx, result)
		return result, nil
	}
	brokerNet := netFromTrades(fills)

	summaries, err := a.ledger.TradeSummaries(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: ledger summaries: %w", err)
	}
	localNet := make(map[string]float64, len(summaries))
	for _, s := range summaries {
		if math.Abs(s.NetQuantity) >= epsilon {
			localNet[s.Symbol] = s.NetQuantity
		}
	}

	for _, symbol := range unionSymbols(localNet, brokerNet) {
		local, broker := localNet[symbol], brokerNet[symbol]
		diff := broker - local
		if math.Abs(diff) <= epsilon {
			continue
		}
		action := types.ActionManualReview
		if local == 0 {
			action = types.ActionSyncFromBroker
		}
		result.Discrepancies = append(result.Discrepancies, types.Discrepancy{
			Symbol:         symbol,
			LocalQuantity:  local,
			BrokerQuantity: broker,
			Difference:     diff,
			Action:         action,
		})
	}
	result.HasDiscrepancies = len(result.Discrepancies) > 0

	if applySyncs {
		for _, d := range result.Discrepancies {
			if d.Action != types.ActionSyncFromBroker {
				continue
			}
			if _, err := a.SyncSymbolFromBroker(ctx, d.Symbol); err != nil {
				logger.Errorf("reconcile: startup sync for %s failed: %v", d.Symbol, err)
				continue
			}
			result.SyncedSymbols = append(result.SyncedSymbols, d.Symbol)
		}
	}

	a.reviewAlert(ctx, result)
	a.finish(ctx, result)

	if result.HasDiscrepancies {
		logger.Warnf("reconcile: %d discrepancies, %d symbols synced",
			len(result.Discrepancies), len(result.SyncedSymbols))
	} else {
		logger.Infof("reconcile: ledger and %s agree", a.venue.Name())
	}
	return result, nil
}

// reviewAlert notifies operators about discrepancies that are never
// auto-applied.
func (a *Auditor) reviewAlert(ctx context.Context, result *types.ReconciliationResult) {
	if a.notify == nil {
		return
	}
	var lines []string
	for _, d := range result.Discrepancies {
		if d.Action != types.ActionManualReview {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: local %.4f vs broker %.4f (diff %.4f)",
			d.Symbol, d.LocalQuantity, d.BrokerQuantity, d.Difference))
	}
	if len(lines) == 0 {
		return
	}
	body := "Position mismatches needing review:\n"
	for _, l := range lines {
		body += l + "\n"
	}
	if err := a.notify.Notify(ctx, "Reconciliation: manual review needed", body); err != nil {
		logger.Errorf("reconcile: review notification failed: %v", err)
	}
}

func (a *Auditor) finish(ctx context.Context, result *types.ReconciliationResult) {
	a.mu.Lock()
	a.last = result
	a.mu.Unlock()
	if a.repo != nil {
		if err := a.repo.Save(ctx, *result); err != nil {
			logger.Errorf("reconcile: persisting result: %v", err)
		}
	}
}

func netFromTrades(trades []types.Trade) map[string]float64 {
	net := make(map[string]float64)
	for _, t := range trades {
		switch t.Side {
		case types.SideBuy:
			net[t.Symbol] += t.Quantity
		case types.SideSell:
			net[t.Symbol] -= t.Quantity
		}
	}
	for s, q := range net {
		if math.Abs(q) < epsilon {
			delete(net, s)
		}
	}
	return net
}

func unionSymbols(a, b map[string]float64) []string {
	seen := make(map[string]bool, len(a)+len(b))
	for s := range a {
		seen[s] = true
	}
	for s := range b {
		seen[s] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
