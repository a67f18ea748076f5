package types

import "time"

type DiscrepancyAction string

const (
	// ActionSyncFromBroker is the unambiguous repair: the ledger has
	// nothing locally, the venue does, so the venue's trades are
	// replayed in.
	ActionSyncFromBroker DiscrepancyAction = "SYNC_FROM_BROKER"
	// ActionManualReview is recorded but never auto-applied.
	ActionManualReview DiscrepancyAction = "MANUAL_REVIEW"
)

// Discrepancy is a per-symbol mismatch between the ledger's and the
// venue's net position.
type Discrepancy struct {
	Symbol         string            `json:"symbol"`
	LocalQuantity  float64           `json:"local_quantity"`
	BrokerQuantity float64           `json:"broker_quantity"`
	Difference     float64           `json:"difference"`
	Action         DiscrepancyAction `json:"action"`
}

// ReconciliationResult is the outcome of one audit pass.
type ReconciliationResult struct {
	Timestamp        time.Time     `json:"timestamp"`
	HasDiscrepancies bool          `json:"has_discrepancies"`
	Discrepancies    []Discrepancy `json:"discrepancies"`
	SyncedSymbols    []string      `json:"synced_symbols"`
}
