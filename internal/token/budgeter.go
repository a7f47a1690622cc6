package token

// Budgeter trims conversation history to fit the model's context budget.
type Budgeter struct {
	est      Estimator
	overhead int
}

// NewBudgeter constructs a Budgeter. overhead is the fixed per-message framing
// cost added to each message's content estimate.
func NewBudgeter(est Estimator, overhead int) *Budgeter {
	if overhead < 0 {
		overhead = 0
	}
	return &Budgeter{est: est, overhead: overhead}
}

// Estimate exposes the underlying estimator.
func (b *Budgeter) Estimate(text string) int {
	return b.est.Estimate(text)
}

// FitIndex returns the index of the first history entry that fits within
// budget. Scanning newest to oldest, each entry costs its content estimate
// plus the per-message overhead; accumulation stops before the entry that
// would exceed the remaining budget. The kept range [index, len) is always a
// contiguous suffix: no entry is skipped while a later one is kept.
//
// systemPromptTokens and newMessageTokens are reserved off the top before any
// history is admitted.
func (b *Budgeter) FitIndex(contents []string, systemPromptTokens, newMessageTokens, budget int) int {
	remaining := budget - systemPromptTokens - newMessageTokens - b.overhead
	if remaining <= 0 {
		return len(contents)
	}

	index := len(contents)
	for i := len(contents) - 1; i >= 0; i-- {
		cost := b.est.Estimate(contents[i]) + b.overhead
		if cost > remaining {
			break
		}
		remaining -= cost
		index = i
	}
	return index
}

// Truncate returns the contiguous suffix of history that fits the budget, in
// original chronological order.
func (b *Budgeter) Truncate(history []string, systemPromptTokens, newMessageTokens, budget int) []string {
	return history[b.FitIndex(history, systemPromptTokens, newMessageTokens, budget):]
}
