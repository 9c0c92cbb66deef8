package domain

import (
	"fmt"
	"math"
)

// Action is what the advisory evaluator recommends for a position.
type Action string

const (
	ActionKeep     Action = "KEEP"
	ActionDCA      Action = "DCA"
	ActionAdjustSL Action = "ADJUST_SL"
	ActionAdjustTP Action = "ADJUST_TP"
	ActionModify   Action = "MODIFY"
)

// Recommendation is the structured response of the advisory evaluator. It is
// untrusted input: every numeric field must pass Validate before any part of
// it touches a position.
type Recommendation struct {
	Action     Action  `json:"action"`
	Reasoning  string  `json:"reasoning"`
	Urgency    string  `json:"urgency"`
	Confidence float64 `json:"confidence"`

	StopLoss     *float64 `json:"recommended_stop_loss,omitempty"`
	TakeProfit   *float64 `json:"recommended_take_profit,omitempty"`
	DCAPrice     *float64 `json:"recommended_dca_price,omitempty"`
	DCAAmountUSD *float64 `json:"recommended_dca_amount,omitempty"`
}

func validPrice(v *float64) bool {
	return v == nil || (*v > 0 && !math.IsInf(*v, 0) && !math.IsNaN(*v))
}

// Validate checks the recommendation's schema: the action must be known, all
// price fields must be positive finite numbers, confidence must be in [0, 1],
// and the fields required by the action must be present. A recommendation
// failing validation is discarded and treated as KEEP by the caller.
func (r Recommendation) Validate() error {
	switch r.Action {
	case ActionKeep, ActionDCA, ActionAdjustSL, ActionAdjustTP, ActionModify:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRecommendation, r.Action)
	}

	if r.Confidence < 0 || r.Confidence > 1 || math.IsNaN(r.Confidence) {
		return fmt.Errorf("%w: confidence %v out of range", ErrInvalidRecommendation, r.Confidence)
	}

	for name, v := range map[string]*float64{
		"recommended_stop_loss":   r.StopLoss,
		"recommended_take_profit": r.TakeProfit,
		"recommended_dca_price":   r.DCAPrice,
		"recommended_dca_amount":  r.DCAAmountUSD,
	} {
		if !validPrice(v) {
			return fmt.Errorf("%w: %s must be a positive finite number", ErrInvalidRecommendation, name)
		}
	}

	switch r.Action {
	case ActionDCA:
		if r.DCAPrice == nil && r.DCAAmountUSD == nil {
			return fmt.Errorf("%w: DCA requires recommended_dca_price or recommended_dca_amount", ErrInvalidRecommendation)
		}
	case ActionAdjustSL:
		if r.StopLoss == nil {
			return fmt.Errorf("%w: ADJUST_SL requires recommended_stop_loss", ErrInvalidRecommendation)
		}
	case ActionAdjustTP:
		if r.TakeProfit == nil {
			return fmt.Errorf("%w: ADJUST_TP requires recommended_take_profit", ErrInvalidRecommendation)
		}
	case ActionModify:
		if r.StopLoss == nil && r.TakeProfit == nil && r.DCAPrice == nil && r.DCAAmountUSD == nil {
			return fmt.Errorf("%w: MODIFY requires at least one recommended field", ErrInvalidRecommendation)
		}
	}

	return nil
}

// Keep returns the no-op recommendation used when evaluation fails or the
// evaluator's response is rejected.
func Keep(reason string) Recommendation {
	return Recommendation{Action: ActionKeep, Reasoning: reason}
}
