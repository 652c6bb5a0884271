package agent

// EstimateTokens is the heuristic token count used wherever no authoritative
// usage is available: ceil(utf8 bytes / 4).
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}
