package models

import "time"

type FraudDecision string

const (
	FraudAllow  FraudDecision = "allow"
	FraudReview FraudDecision = "review"
	FraudBlock  FraudDecision = "block"
)

// FraudAnnotation is the best-effort result of a fraud evaluation. It is
// attached to a transaction for display and never affects the ledger.
type FraudAnnotation struct {
	Score          float64       `json:"score"`
	Decision       FraudDecision `json:"decision"`
	DecisionTier   string        `json:"decisionTier,omitempty"`
	TriggeredRules []FraudRule   `json:"triggeredRules,omitempty"`
	AlertID        string        `json:"alertId,omitempty"`
	EvaluatedAt    time.Time     `json:"evaluatedAt"`
}

type FraudRule struct {
	Code     string  `json:"code"`
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Severity string  `json:"severity"`
	Score    float64 `json:"score"`
}
