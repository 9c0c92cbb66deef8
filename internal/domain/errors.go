package domain

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidLevel          = errors.New("invalid risk level")
	ErrInvalidRecommendation = errors.New("invalid recommendation")
	ErrCancelFailed          = errors.New("order cancellation failed")
	ErrOrderRejected         = errors.New("order rejected")
	ErrPriceUnavailable      = errors.New("price unavailable")
	ErrStalePrice            = errors.New("stale price")
	ErrEvaluatorUnavailable  = errors.New("evaluator unavailable")
)
