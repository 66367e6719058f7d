package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/af-corp/llm-relay/internal/types"
)

const (
	ReasonAlways           = "always"
	ReasonRoutingDisabled  = "routing disabled"
	ReasonUpstreamDisabled = "upstream disabled"
	ReasonNoScore          = "no score found"
)

// Decision is the outcome of the routing policy.
type Decision struct {
	Send   bool
	Reason string
}

var numericPrefix = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)

// Decide evaluates the routing policy over the upstream response.
func Decide(routing types.RoutingConfig, upstream *types.ChatResponse) Decision {
	switch routing.Mode {
	case types.RoutingAlways:
		return Decision{Send: true, Reason: ReasonAlways}

	case types.RoutingDisabled:
		return Decision{Send: false, Reason: ReasonRoutingDisabled}

	case types.RoutingIfTokenGT:
		tokens := upstream.CompletionTokensOrZero()
		if float64(tokens) > routing.Threshold {
			return Decision{Send: true, Reason: fmt.Sprintf("completion_tokens %d > %s", tokens, formatNumber(routing.Threshold))}
		}
		return Decision{Send: false, Reason: fmt.Sprintf("completion_tokens %d <= %s", tokens, formatNumber(routing.Threshold))}

	case types.RoutingIfScoreGTE:
		text := ""
		if upstream != nil {
			text = upstream.Text
		}
		score, ok := extractScore(routing.ScoreRegex, text)
		if !ok {
			return Decision{Send: false, Reason: ReasonNoScore}
		}
		// NaN compares false, so an unparseable score is never sent.
		if score >= routing.Threshold {
			return Decision{Send: true, Reason: fmt.Sprintf("score %s >= %s", formatNumber(score), formatNumber(routing.Threshold))}
		}
		return Decision{Send: false, Reason: fmt.Sprintf("score %s < %s", formatNumber(score), formatNumber(routing.Threshold))}

	default:
		return Decision{Send: false, Reason: fmt.Sprintf("unknown routing mode %q", routing.Mode)}
	}
}

// extractScore applies pattern case-insensitively to text. ok is false when
// the pattern does not match or does not compile.
func extractScore(pattern, text string) (float64, bool) {
	if pattern == "" {
		pattern = types.DefaultScoreRegex
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		slog.Warn("invalid score regex", "pattern", pattern, "error", err)
		return 0, false
	}
	m := re.FindStringSubmatchIndex(text)
	if m == nil {
		return 0, false
	}
	if len(m) < 4 || m[2] < 0 {
		return math.NaN(), true
	}
	return parseLeadingFloat(text[m[2]:m[3]]), true
}

// parseLeadingFloat parses the longest numeric prefix of s, or NaN if there is none.
func parseLeadingFloat(s string) float64 {
	prefix := numericPrefix.FindString(strings.TrimLeft(s, " \t\n\r\f\v"))
	if prefix == "" {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(prefix, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return math.NaN()
	}
	return f
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
