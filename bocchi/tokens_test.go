package bocchi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// runeEstimator charges one token per rune, making budgets exact.
func runeEstimator(s string) int {
	return len([]rune(s))
}

func TestTokenBudgeter_Fit(t *testing.T) {
	budgeter := newTokenBudgeter(5, runeEstimator)

	t.Run(
		"empty history", func(t *testing.T) {
			assert.Empty(t, budgeter.fit(nil))
		},
	)

	t.Run(
		"everything within budget", func(t *testing.T) {
			history := []ContextMessage{
				{Role: ContextRoleUser, Content: "abcd"},
				{Role: ContextRoleAssistant, Content: "efgh"},
				{Role: ContextRoleUser, Content: "ijkl"},
			}
			fitted := budgeter.fit(history)
			assert.Equal(t, history, fitted)
		},
	)

	t.Run(
		"overflowing message truncated to remaining allowance",
		func(t *testing.T) {
			// budget: 2 messages * 5 = 10 tokens
			history := []ContextMessage{
				{Role: ContextRoleUser, Content: "aaaaa"},
				{Role: ContextRoleAssistant, Content: "bbbbbbbbbb"},
			}
			fitted := budgeter.fit(history)
			assert.Len(t, fitted, 2)
			assert.Equal(t, "aaaaa", fitted[0].Content)
			assert.Equal(t, "bbbbb", fitted[1].Content)
		},
	)

	t.Run(
		"message past an exhausted budget is dropped", func(t *testing.T) {
			// budget: 2 messages * 5 = 10 tokens, first takes all of it
			history := []ContextMessage{
				{Role: ContextRoleUser, Content: strings.Repeat("a", 10)},
				{Role: ContextRoleAssistant, Content: strings.Repeat("b", 10)},
			}
			fitted := budgeter.fit(history)
			assert.Len(t, fitted, 1)
			assert.Equal(t, strings.Repeat("a", 10), fitted[0].Content)
		},
	)

	t.Run(
		"order preserved", func(t *testing.T) {
			history := []ContextMessage{
				{MessageID: "1", Content: "a"},
				{MessageID: "2", Content: "b"},
				{MessageID: "3", Content: "c"},
			}
			fitted := budgeter.fit(history)
			ids := make([]string, len(fitted))
			for i, msg := range fitted {
				ids[i] = msg.MessageID
			}
			assert.Equal(t, []string{"1", "2", "3"}, ids)
		},
	)
}

func TestTokenBudgeter_TruncateToBudget(t *testing.T) {
	budgeter := newTokenBudgeter(5, runeEstimator)

	assert.Equal(t, "", budgeter.truncateToBudget("anything", 0))
	assert.Equal(t, "", budgeter.truncateToBudget("anything", -1))
	assert.Equal(t, "fits", budgeter.truncateToBudget("fits", 10))
	assert.Equal(t, "abc", budgeter.truncateToBudget("abcdef", 3))
}

func TestNewTokenBudgeter_DefaultEstimator(t *testing.T) {
	budgeter := newTokenBudgeter(100, nil)
	assert.NotNil(t, budgeter.estimate)
	assert.Greater(t, budgeter.estimate("hello world, this is some text"), 0)
}

func TestDefaultTokenEstimator(t *testing.T) {
	assert.Equal(t, 0, defaultTokenEstimator(""))
	assert.Greater(t, defaultTokenEstimator("the quick brown fox"), 0)

	short := defaultTokenEstimator("short text")
	long := defaultTokenEstimator(strings.Repeat("much longer text ", 50))
	assert.Greater(t, long, short)
}
