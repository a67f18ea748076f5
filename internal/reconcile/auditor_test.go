package reconcile

import (
	"context"
	"errors"
	"testing"

	"keel/internal/ledger"
	"keel/internal/market"
	"keel/internal/store/memstore"
	"keel/internal/types"
	"keel/internal/venue/sim"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	subjects []string
	bodies   []string
}

func (n *recordingNotifier) Notify(ctx context.Context, subject, body string) error {
	n.subjects = append(n.subjects, subject)
	n.bodies = append(n.bodies, body)
	return nil
}

// downVenue refuses every connection attempt.
type downVenue struct {
	sim.Venue
}

func (d *downVenue) Connect(ctx context.Context) error { return errors.New("refused") }
func (d *downVenue) IsConnected() bool                 { return false }

func newAuditorFixture(t *testing.T) (*Auditor, *sim.Venue, *ledger.Ledger, *recordingNotifier) {
	t.Helper()
	st := memstore.New()
	led := ledger.New(st.Stocks(), st.Trades())
	feed := market.NewStaticFeed()
	v := sim.New(feed)
	require.NoError(t, v.Connect(context.Background()))
	notify := &recordingNotifier{}
	return New(v, led, st.Reconciliations(), notify), v, led, notify
}

func TestCleanAudit(t *testing.T) {
	auditor, v, led, _ := newAuditorFixture(t)
	ctx := context.Background()

	v.SeedFill(types.Trade{ID: "b1", Symbol: "AAPL", Side: types.SideBuy, Quantity: 10, Price: 100})
	_, err := led.RecordExternalTrade(ctx, types.Trade{ID: "b1", Symbol: "AAPL", Side: types.SideBuy, Quantity: 10, Price: 100})
	require.NoError(t, err)

	result, err := auditor.ReconcilePeriodic(ctx)
	require.NoError(t, err)
	assert.False(t, result.HasDiscrepancies)
	assert.Empty(t, result.Discrepancies)
}

func TestMissingLocalPositionClassifiedAsSync(t *testing.T) {
	auditor, v, _, _ := newAuditorFixture(t)
	v.SeedFill(types.Trade{ID: "b1", Symbol: "AAPL", Side: types.SideBuy, Quantity: 10, Price: 100})

	result, err := auditor.ReconcilePeriodic(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Discrepancies, 1)
	d := result.Discrepancies[0]
	assert.Equal(t, types.ActionSyncFromBroker, d.Action)
	assert.Equal(t, 0.0, d.LocalQuantity)
	assert.Equal(t, 10.0, d.BrokerQuantity)
	assert.Empty(t, result.SyncedSymbols, "periodic audits never apply syncs")
}

func TestQuantityMismatchNeedsReview(t *testing.T) {
	auditor, v, led, notify := newAuditorFixture(t)
	ctx := context.Background()

	v.SeedFill(types.Trade{ID: "b1", Symbol: "AAPL", Side: types.SideBuy, Quantity: 10, Price: 100})
	_, err := led.RecordExternalTrade(ctx, types.Trade{ID: "l1", Symbol: "AAPL", Side: types.SideBuy, Quantity: 7, Price: 100})
	require.NoError(t, err)

	result, err := auditor.ReconcilePeriodic(ctx)
	require.NoError(t, err)

	require.Len(t, result.Discrepancies, 1)
	assert.Equal(t, types.ActionManualReview, result.Discrepancies[0].Action)
	assert.InDelta(t, 3, result.Discrepancies[0].Difference, 1e-9)
	require.Len(t, notify.subjects, 1)
	assert.Contains(t, notify.bodies[0], "AAPL")
}

func TestEpsilonAbsorbsDust(t *testing.T) {
	auditor, v, led, _ := newAuditorFixture(t)
	ctx := context.Background()

	v.SeedFill(types.Trade{ID: "b1", Symbol: "AAPL", Side: types.SideBuy, Quantity: 10.0005, Price: 100})
	_, err := led.RecordExternalTrade(ctx, types.Trade{ID: "l1", Symbol: "AAPL", Side: types.SideBuy, Quantity: 10, Price: 100})
	require.NoError(t, err)

	result, err := auditor.ReconcilePeriodic(ctx)
	require.NoError(t, err)
	assert.False(t, result.HasDiscrepancies)
}

func TestStartupAuditAppliesSyncs(t *testing.T) {
	auditor, v, led, _ := newAuditorFixture(t)
	ctx := context.Background()

	v.SeedFill(types.Trade{ID: "b1", Symbol: "AAPL", Side: types.SideBuy, Quantity: 10, Price: 100})
	v.SeedFill(types.Trade{ID: "b2", Symbol: "AAPL", Side: types.SideSell, Quantity: 4, Price: 105})

	result, err := auditor.ReconcileOnStartup(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"AAPL"}, result.SyncedSymbols)

	summaries, err := led.TradeSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.InDelta(t, 6, summaries[0].NetQuantity, 1e-9)
}

func TestStartupAuditIsIdempotent(t *testing.T) {
	auditor, v, led, _ := newAuditorFixture(t)
	ctx := context.Background()

	v.SeedFill(types.Trade{ID: "b1", Symbol: "AAPL", Side: types.SideBuy, Quantity: 10, Price: 100})

	_, err := auditor.ReconcileOnStartup(ctx)
	require.NoError(t, err)
	second, err := auditor.ReconcileOnStartup(ctx)
	require.NoError(t, err)
	assert.False(t, second.HasDiscrepancies)

	trades, err := led.Trades(ctx)
	require.NoError(t, err)
	assert.Len(t, trades, 1, "replaying a recorded fill must not duplicate it")
}

func TestUnreachableVenueYieldsEmptyResult(t *testing.T) {
	st := memstore.New()
	led := ledger.New(st.Stocks(), st.Trades())
	auditor := New(&downVenue{}, led, st.Reconciliations(), nil)

	result, err := auditor.ReconcilePeriodic(context.Background())
	require.NoError(t, err)
	assert.False(t, result.HasDiscrepancies)
	assert.Empty(t, result.Discrepancies)
}

// parkedVenue can halt inside Positions so an audit stays in flight
// while the test pokes at the auditor from another goroutine.
type parkedVenue struct {
	*sim.Venue
	park    bool
	entered chan struct{}
	release chan struct{}
}

func (p *parkedVenue) Positions(ctx context.Context) ([]types.Trade, error) {
	if p.park {
		p.entered <- struct{}{}
		<-p.release
	}
	return p.Venue.Positions(ctx)
}

func TestOverlappingAuditReturnsCachedResult(t *testing.T) {
	st := memstore.New()
	led := ledger.New(st.Stocks(), st.Trades())
	v := sim.New(market.NewStaticFeed())
	ctx := context.Background()
	require.NoError(t, v.Connect(ctx))
	parked := &parkedVenue{
		Venue:   v,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	auditor := New(parked, led, st.Reconciliations(), nil)

	first, err := auditor.ReconcilePeriodic(ctx)
	require.NoError(t, err)

	parked.park = true
	done := make(chan *types.ReconciliationResult)
	go func() {
		blocked, berr := auditor.ReconcilePeriodic(ctx)
		assert.NoError(t, berr)
		done <- blocked
	}()
	<-parked.entered

	// The in-flight audit holds the flag, so this call must come back
	// at once with the cached first result instead of queueing.
	overlapping, err := auditor.ReconcilePeriodic(ctx)
	require.NoError(t, err)
	assert.Same(t, first, overlapping)

	close(parked.release)
	blocked := <-done
	assert.NotSame(t, first, blocked)
}

func TestLastResultFallsBackToStore(t *testing.T) {
	auditor, v, _, _ := newAuditorFixture(t)
	ctx := context.Background()

	v.SeedFill(types.Trade{ID: "b1", Symbol: "AAPL", Side: types.SideBuy, Quantity: 10, Price: 100})
	first, err := auditor.ReconcilePeriodic(ctx)
	require.NoError(t, err)

	got, err := auditor.LastResult(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Timestamp.Unix(), got.Timestamp.Unix())
}
