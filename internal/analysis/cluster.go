// Package analysis groups engine log lines to find the error that ended a run.
package analysis

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Severity levels, lowest first.
const (
	SeverityInfo = iota
	SeverityWarn
	SeverityError
	SeverityCritical
	SeverityFatal
)

// Normalization regexes compiled once at package init.
var (
	reDatetime   = regexp.MustCompile(`^\[?\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}([.,]\d+)?(Z|[+-]\d{2}:\d{2})?\]?\s*`)
	reGlog       = regexp.MustCompile(`^([IWEF])\d{4} \d{2}:\d{2}:\d{2}\.\d+\s+\d+\s+\S+\]\s*`)
	reHexAddr    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reUUID       = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reBracketNum = regexp.MustCompile(`\[\d+\]`)
	reParenNum   = regexp.MustCompile(`\(\d+\)`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

var severityRules = []struct {
	re       *regexp.Regexp
	severity int
}{
	{regexp.MustCompile(`(?i)\bfatal\b|segmentation fault|core dumped`), SeverityFatal},
	{regexp.MustCompile(`(?i)out of memory|\bkilled\b|\bcritical\b`), SeverityCritical},
	{regexp.MustCompile(`(?i)\berror\b|[a-z]error\b|exception|traceback`), SeverityError},
	{regexp.MustCompile(`(?i)\bwarn(ing)?\b|\bfailed\b`), SeverityWarn},
}

var glogSeverity = map[string]int{"W": SeverityWarn, "E": SeverityError, "F": SeverityFatal}

// ErrorCluster is a set of log lines that normalize to the same message.
type ErrorCluster struct {
	Fingerprint string
	Severity    int
	Count       int
	// Sample is the most recent line of the cluster, without its timestamp.
	Sample string
	// LastSeen is the index of the most recent line in the input.
	LastSeen int
}

// Cluster groups lines by fingerprint. Clusters are sorted by severity, then
// count, then recency. Blank lines are skipped. Returns an empty slice for
// empty input (never nil).
func Cluster(lines []string) []ErrorCluster {
	groups := make(map[string]*ErrorCluster)

	for i, line := range lines {
		msg, sev := stripPrefix(line)
		if strings.TrimSpace(msg) == "" {
			continue
		}
		if s := LineSeverity(msg); s > sev {
			sev = s
		}

		fp := Fingerprint(msg)
		c, ok := groups[fp]
		if !ok {
			c = &ErrorCluster{Fingerprint: fp}
			groups[fp] = c
		}
		c.Count++
		c.LastSeen = i
		c.Sample = truncateString(strings.TrimSpace(msg), 500)
		if sev > c.Severity {
			c.Severity = sev
		}
	}

	clusters := make([]ErrorCluster, 0, len(groups))
	for _, c := range groups {
		clusters = append(clusters, *c)
	}
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Severity != clusters[j].Severity {
			return clusters[i].Severity > clusters[j].Severity
		}
		if clusters[i].Count != clusters[j].Count {
			return clusters[i].Count > clusters[j].Count
		}
		return clusters[i].LastSeen > clusters[j].LastSeen
	})
	return clusters
}

// FailureReason returns the sample of the most significant error cluster, or
// "" when no line looks like an error.
func FailureReason(lines []string) string {
	clusters := Cluster(lines)
	if len(clusters) == 0 || clusters[0].Severity < SeverityError {
		return ""
	}
	return clusters[0].Sample
}

// Fingerprint computes a stable SHA-256 fingerprint for a log message.
func Fingerprint(message string) string {
	normalized := NormalizeMessage(message)
	hash := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", hash)
}

// NormalizeMessage applies all normalization rules to a log message.
func NormalizeMessage(msg string) string {
	msg, _ = stripPrefix(msg)
	msg = reHexAddr.ReplaceAllString(msg, "0xADDR")
	msg = reUUID.ReplaceAllString(msg, "UUID")
	msg = reBracketNum.ReplaceAllString(msg, "[N]")
	msg = reParenNum.ReplaceAllString(msg, "(N)")
	msg = reWhitespace.ReplaceAllString(msg, " ")
	msg = strings.ToLower(msg)
	msg = strings.TrimSpace(msg)
	msg = truncateString(msg, 500)
	return msg
}

// LineSeverity guesses the severity of a log message from its wording.
func LineSeverity(msg string) int {
	for _, r := range severityRules {
		if r.re.MatchString(msg) {
			return r.severity
		}
	}
	return SeverityInfo
}

// stripPrefix removes a leading timestamp or glog header. Glog headers carry
// their own severity, which is returned.
func stripPrefix(line string) (string, int) {
	if m := reGlog.FindStringSubmatch(line); m != nil {
		return line[len(m[0]):], glogSeverity[m[1]]
	}
	return reDatetime.ReplaceAllString(line, ""), SeverityInfo
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
