package bocchi

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator estimates the token cost of a piece of text.
type TokenEstimator func(s string) int

var (
	tokenEncodingOnce sync.Once
	tokenEncoding     *tiktoken.Tiktoken
)

// defaultTokenEstimator counts tokens with the cl100k_base encoding.
// If the encoding can't be loaded, it falls back to a rough
// four-characters-per-token estimate.
func defaultTokenEstimator(s string) int {
	tokenEncodingOnce.Do(
		func() {
			enc, err := tiktoken.GetEncoding("cl100k_base")
			if err == nil {
				tokenEncoding = enc
			}
		},
	)
	if tokenEncoding == nil {
		return (len(s) + 3) / 4
	}
	return len(tokenEncoding.Encode(s, nil, nil))
}

// tokenBudgeter truncates conversation history to a token budget that
// scales with history length: perMessage tokens are allowed for each
// message of history considered.
type tokenBudgeter struct {
	estimate   TokenEstimator
	perMessage int
}

func newTokenBudgeter(perMessage int, estimate TokenEstimator) tokenBudgeter {
	if estimate == nil {
		estimate = defaultTokenEstimator
	}
	return tokenBudgeter{estimate: estimate, perMessage: perMessage}
}

// fit walks history oldest-to-newest accumulating estimated cost. The
// message that overflows the budget is truncated to the remaining
// allowance and everything after it is dropped. Messages are never
// reordered, and no message other than the last one included is
// modified.
func (b tokenBudgeter) fit(history []ContextMessage) []ContextMessage {
	if len(history) == 0 {
		return history
	}
	maxTotal := b.perMessage * len(history)

	fitted := make([]ContextMessage, 0, len(history))
	total := 0
	for _, msg := range history {
		cost := b.estimate(msg.Content)
		if total+cost > maxTotal {
			remaining := maxTotal - total
			msg.Content = b.truncateToBudget(msg.Content, remaining)
			if msg.Content != "" {
				fitted = append(fitted, msg)
			}
			break
		}
		total += cost
		fitted = append(fitted, msg)
	}
	return fitted
}

// truncateToBudget shortens content until its estimated cost fits the
// given allowance. The cut starts at a proportional guess and backs off
// from there, so pathological estimator behavior still terminates.
func (b tokenBudgeter) truncateToBudget(content string, allowance int) string {
	if allowance <= 0 {
		return ""
	}
	cost := b.estimate(content)
	if cost <= allowance {
		return content
	}
	runes := []rune(content)
	keep := len(runes) * allowance / cost
	for keep > 0 {
		candidate := string(runes[:keep])
		if b.estimate(candidate) <= allowance {
			return candidate
		}
		keep = keep * 9 / 10
	}
	return ""
}
