// Package events publishes domain events to a NATS JetStream stream and
// keeps a queryable copy of them in Postgres.
package events

import "time"

const FetchTimeout = 2 * time.Second

const StreamEvents = "COVERFLOW_EVENTS"

const (
	SubjectPrefix              = "coverflow.events"
	SubjectGenerationCompleted = SubjectPrefix + ".generation.completed"
	SubjectGenerationFailed    = SubjectPrefix + ".generation.failed"
	SubjectSettlementRace      = SubjectPrefix + ".generation.settlement_race"
	SubjectPurchaseSettled     = SubjectPrefix + ".payment.settled"
)

// GenerationCompleted is emitted once a result has been delivered.
type GenerationCompleted struct {
	GenerationID string    `json:"generation_id,omitempty"`
	AccountID    string    `json:"account_id"`
	Provider     string    `json:"provider"`
	ImageURL     string    `json:"image_url"`
	Credit       string    `json:"credit,omitempty"`
	Degraded     bool      `json:"degraded"`
	Timestamp    time.Time `json:"timestamp"`
}

// GenerationFailed is emitted for every aborted attempt.
type GenerationFailed struct {
	AccountID string    `json:"account_id"`
	Provider  string    `json:"provider"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// SettlementRace records a delivered result that could not be charged.
// These need manual reconciliation.
type SettlementRace struct {
	AccountID string    `json:"account_id"`
	Provider  string    `json:"provider"`
	ImageURL  string    `json:"image_url"`
	Timestamp time.Time `json:"timestamp"`
}

// PurchaseSettled is emitted when a payment notification changes an intent.
type PurchaseSettled struct {
	IntentID    string    `json:"intent_id"`
	AccountID   string    `json:"account_id"`
	PackageID   string    `json:"package_id"`
	ExternalRef string    `json:"external_ref"`
	Status      string    `json:"status"`
	Credits     int       `json:"credits"`
	Timestamp   time.Time `json:"timestamp"`
}
