package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"stock-alert-engine/internal/storage"
)

var (
	// ErrMissingChangePercent indicates a price_change rule without its percentage.
	ErrMissingChangePercent = errors.New("rules: price_change rule requires change_percent")
	// ErrUnknownRuleType indicates an unsupported rule type.
	ErrUnknownRuleType = errors.New("rules: unknown rule type")
)

// syntheticBaselineDivisor derives a stand-in previous price when none is
// available: baseline = current / 1.05. See the matcher doc below.
var syntheticBaselineDivisor = decimal.NewFromFloat(1.05)

var oneHundred = decimal.NewFromInt(100)

// MatchResult is the outcome of evaluating one rule against a price.
type MatchResult struct {
	Matched bool
	Message string
}

// Match evaluates a rule against the current price. Threshold comparisons
// are strict: equality never matches. For price_change rules the previous
// price is optional; when absent a synthetic baseline of current/1.05 is
// used so the engine can still reason about change without a price feed
// history. A zero baseline moving to any non-zero price always matches.
func Match(rule storage.AlertRule, current decimal.Decimal, previous *decimal.Decimal) (MatchResult, error) {
	switch rule.RuleType {
	case storage.RuleTypePriceAbove:
		if current.GreaterThan(rule.Threshold) {
			return MatchResult{Matched: true, Message: renderMessage(rule, current, nil)}, nil
		}
		return MatchResult{}, nil

	case storage.RuleTypePriceBelow:
		if current.LessThan(rule.Threshold) {
			return MatchResult{Matched: true, Message: renderMessage(rule, current, nil)}, nil
		}
		return MatchResult{}, nil

	case storage.RuleTypePriceChange:
		if rule.ChangePercent == nil {
			return MatchResult{}, ErrMissingChangePercent
		}

		baseline := Baseline(current, previous)
		if baseline.IsZero() {
			if current.IsZero() {
				return MatchResult{}, nil
			}
			// Zero to non-zero is an infinite percentage move.
			return MatchResult{Matched: true, Message: renderMessage(rule, current, nil)}, nil
		}

		pct := current.Sub(baseline).Div(baseline).Mul(oneHundred)
		if pct.Abs().GreaterThanOrEqual(*rule.ChangePercent) {
			return MatchResult{Matched: true, Message: renderMessage(rule, current, &pct)}, nil
		}
		return MatchResult{}, nil

	default:
		return MatchResult{}, fmt.Errorf("%w: %q", ErrUnknownRuleType, rule.RuleType)
	}
}

// Baseline resolves the reference price for change calculations.
func Baseline(current decimal.Decimal, previous *decimal.Decimal) decimal.Decimal {
	if previous != nil {
		return *previous
	}
	return current.Div(syntheticBaselineDivisor)
}

func renderMessage(rule storage.AlertRule, current decimal.Decimal, changePct *decimal.Decimal) string {
	if rule.Message != "" {
		replacer := strings.NewReplacer(
			"{symbol}", rule.Symbol,
			"{current_price}", current.StringFixed(2),
			"{threshold}", rule.Threshold.StringFixed(2),
		)
		return replacer.Replace(rule.Message)
	}

	switch rule.RuleType {
	case storage.RuleTypePriceAbove:
		return fmt.Sprintf("%s price reached %s, above your alert threshold %s",
			rule.Symbol, current.StringFixed(2), rule.Threshold.StringFixed(2))
	case storage.RuleTypePriceBelow:
		return fmt.Sprintf("%s price dropped to %s, below your alert threshold %s",
			rule.Symbol, current.StringFixed(2), rule.Threshold.StringFixed(2))
	case storage.RuleTypePriceChange:
		if changePct == nil {
			return fmt.Sprintf("%s price moved from zero, now at %s",
				rule.Symbol, current.StringFixed(2))
		}
		return fmt.Sprintf("%s price moved %s%% (alert set at %s%%), now at %s",
			rule.Symbol, changePct.StringFixed(2), rule.ChangePercent.StringFixed(2), current.StringFixed(2))
	default:
		return ""
	}
}

// Title produces a short notification title for a matched rule.
func Title(rule storage.AlertRule) string {
	switch rule.RuleType {
	case storage.RuleTypePriceAbove:
		return fmt.Sprintf("%s 价格突破提醒", rule.Symbol)
	case storage.RuleTypePriceBelow:
		return fmt.Sprintf("%s 价格跌破提醒", rule.Symbol)
	case storage.RuleTypePriceChange:
		return fmt.Sprintf("%s 价格波动提醒", rule.Symbol)
	default:
		return fmt.Sprintf("%s 价格提醒", rule.Symbol)
	}
}
