package supervisor

import (
	"encoding/json"
	"strings"
)

// CompletionType classifies how a child exited.
type CompletionType string

const (
	CompletionSuccess           CompletionType = "success"
	CompletionFailed            CompletionType = "failed"
	CompletionNetworkError      CompletionType = "network_error"
	CompletionPermissionBlocked CompletionType = "permission_blocked"
)

// Built-in output signatures. Agent-specific patterns from config are
// checked first; these cover the common agents out of the box.
var (
	defaultPermissionPatterns = []string{
		"needs permission",
		"permission denied and the user",
		"blocked by permission",
		"requested permissions",
	}
	defaultNetworkPatterns = []string{
		"connection refused",
		"connection reset by peer",
		"network is unreachable",
		"tls handshake timeout",
		"i/o timeout",
		"no such host",
		"502 bad gateway",
		"503 service unavailable",
		"overloaded_error",
	}
)

// classify maps an exit code plus the combined output tail to a completion
// type. Exit 0 is always success; pattern matching is case-insensitive
// substring search, permission signatures take precedence over network ones.
func classify(exitCode int, output string, permPatterns, netPatterns []string) CompletionType {
	if exitCode == 0 {
		return CompletionSuccess
	}
	lower := strings.ToLower(output)
	if matchesAny(lower, permPatterns) || matchesAny(lower, defaultPermissionPatterns) {
		return CompletionPermissionBlocked
	}
	if matchesAny(lower, netPatterns) || matchesAny(lower, defaultNetworkPatterns) {
		return CompletionNetworkError
	}
	return CompletionFailed
}

func matchesAny(lower string, patterns []string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// runMetadata is the result line some agents print as their final output.
type runMetadata struct {
	SessionID string   `json:"session_id"`
	CostUSD   *float64 `json:"total_cost_usd"`
	Cost      *float64 `json:"cost_usd"`
	Model     string   `json:"model"`
}

// extractMetadata scans the output for JSON lines carrying session/cost
// metadata; the last line with any recognized field wins.
func extractMetadata(output string) (sessionID string, costUSD *float64, model string) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			continue
		}
		var meta runMetadata
		if err := json.Unmarshal([]byte(line), &meta); err != nil {
			continue
		}
		if meta.SessionID != "" {
			sessionID = meta.SessionID
		}
		if meta.CostUSD != nil {
			costUSD = meta.CostUSD
		} else if meta.Cost != nil {
			costUSD = meta.Cost
		}
		if meta.Model != "" {
			model = meta.Model
		}
	}
	return sessionID, costUSD, model
}
