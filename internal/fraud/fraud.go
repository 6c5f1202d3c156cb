// Package fraud scores posted transactions against the external fraud
// evaluation service. Results are advisory: callers treat every error as a
// degraded evaluation, never as a reason to undo a transaction.
package fraud

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/eaglebank/transaction-service/shared/models"
)

var (
	ErrTimeout     = errors.New("fraud evaluation timed out")
	ErrUnavailable = errors.New("fraud evaluation unavailable")
)

// Evaluator scores a transaction snapshot.
type Evaluator interface {
	Evaluate(ctx context.Context, snapshot models.TransactionSnapshot) (*models.FraudAnnotation, error)
}

// EvaluateRequest is the wire request of FraudEvaluationService.Evaluate.
type EvaluateRequest struct {
	ExternalID        string  `json:"external_id"`
	CustomerID        string  `json:"customer_id"`
	Amount            float64 `json:"amount"`
	Currency          string  `json:"currency"`
	TransactionType   string  `json:"transaction_type"`
	Channel           string  `json:"channel"`
	MerchantName      string  `json:"merchant_name,omitempty"`
	MerchantCategory  string  `json:"merchant_category,omitempty"`
	LocationCountry   string  `json:"location_country,omitempty"`
	IPAddress         string  `json:"ip_address,omitempty"`
	DeviceFingerprint string  `json:"device_fingerprint,omitempty"`
}

// EvaluateResponse is the wire response of FraudEvaluationService.Evaluate.
type EvaluateResponse struct {
	RiskScore               float64         `json:"risk_score"`
	Decision                string          `json:"decision"`
	DecisionTier            string          `json:"decision_tier,omitempty"`
	DecisionTierDescription string          `json:"decision_tier_description,omitempty"`
	TriggeredRules          []TriggeredRule `json:"triggered_rules,omitempty"`
	ProcessingTimeMs        float64         `json:"processing_time_ms,omitempty"`
	AlertCreated            bool            `json:"alert_created,omitempty"`
	AlertID                 string          `json:"alert_id,omitempty"`
}

type TriggeredRule struct {
	Code        string  `json:"code"`
	Name        string  `json:"name"`
	Category    string  `json:"category"`
	Severity    string  `json:"severity"`
	Score       float64 `json:"score"`
	Description string  `json:"description,omitempty"`
}

func newEvaluateRequest(s models.TransactionSnapshot) *EvaluateRequest {
	amount, _ := s.Amount.Float64()
	return &EvaluateRequest{
		ExternalID:        s.TransactionID,
		CustomerID:        s.CustomerID,
		Amount:            amount,
		Currency:          s.Currency,
		TransactionType:   string(s.Type),
		Channel:           string(s.Channel),
		MerchantName:      s.MerchantName,
		MerchantCategory:  s.MerchantCategory,
		LocationCountry:   s.CountryCode,
		IPAddress:         s.IPAddress,
		DeviceFingerprint: s.DeviceID,
	}
}

func (r *EvaluateResponse) annotation(at time.Time) *models.FraudAnnotation {
	a := &models.FraudAnnotation{
		Score:        r.RiskScore,
		Decision:     parseDecision(r.Decision),
		DecisionTier: r.DecisionTier,
		EvaluatedAt:  at,
	}
	if r.AlertCreated {
		a.AlertID = r.AlertID
	}
	for _, rule := range r.TriggeredRules {
		a.TriggeredRules = append(a.TriggeredRules, models.FraudRule{
			Code:     rule.Code,
			Name:     rule.Name,
			Category: rule.Category,
			Severity: rule.Severity,
			Score:    rule.Score,
		})
	}
	return a
}

// parseDecision maps the service's decision onto ours. Unknown decisions are
// treated as review.
func parseDecision(s string) models.FraudDecision {
	switch d := models.FraudDecision(strings.ToLower(strings.TrimSpace(s))); d {
	case models.FraudAllow, models.FraudReview, models.FraudBlock:
		return d
	case "approve", "approved":
		return models.FraudAllow
	case "decline", "declined", "reject":
		return models.FraudBlock
	}
	return models.FraudReview
}
