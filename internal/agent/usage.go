package agent

import "sync"

// Usage accumulates token counters for one execution session. Assistant
// records add incrementally; the terminating result record replaces the
// totals with authoritative numbers. Reset at session start so counters
// never leak across sessions.
type Usage struct {
	mu                  sync.Mutex
	inputTokens         int64
	outputTokens        int64
	cacheReadTokens     int64
	cacheCreationTokens int64
	apiCalls            int64
}

// AddIncremental folds one assistant record's usage into the running totals
// and counts the API call.
func (u *Usage) AddIncremental(input, output, cacheRead, cacheCreation int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inputTokens += input
	u.outputTokens += output
	u.cacheReadTokens += cacheRead
	u.cacheCreationTokens += cacheCreation
	u.apiCalls++
}

// ReplaceTotals overwrites the counters with the result record's
// authoritative totals. The api_calls count is kept.
func (u *Usage) ReplaceTotals(input, output, cacheRead, cacheCreation int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inputTokens = input
	u.outputTokens = output
	u.cacheReadTokens = cacheRead
	u.cacheCreationTokens = cacheCreation
}

// Reset zeroes all counters.
func (u *Usage) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inputTokens = 0
	u.outputTokens = 0
	u.cacheReadTokens = 0
	u.cacheCreationTokens = 0
	u.apiCalls = 0
}

// Snapshot returns the current counters.
func (u *Usage) Snapshot() (input, output, cache, apiCalls int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.inputTokens, u.outputTokens, u.cacheReadTokens + u.cacheCreationTokens, u.apiCalls
}

// TotalTokens returns the sum of all token counters.
func (u *Usage) TotalTokens() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.inputTokens + u.outputTokens + u.cacheReadTokens + u.cacheCreationTokens
}
