package internal

import (
	"time"
)

// DefaultBackoffTiers is the escalating retry schedule applied between
// successive attempts of the same mutation. Attempt n (1-based) waits
// tiers[n-1]; attempts beyond the last tier reuse it.
var DefaultBackoffTiers = []time.Duration{
	OneSecond,
	3 * time.Second,
	TenSeconds,
}

// BackoffDelay returns the delay to wait after the given attempt count.
// attempts <= 0 yields zero. The schedule is monotonically increasing,
// which is all the retry contract requires.
func BackoffDelay(attempts int, tiers []time.Duration) time.Duration {
	if attempts <= 0 {
		return 0
	}
	if len(tiers) == 0 {
		tiers = DefaultBackoffTiers
	}
	if attempts > len(tiers) {
		return tiers[len(tiers)-1]
	}
	return tiers[attempts-1]
}

// ParseBackoffTiers parses a comma separated list of Go durations
// (e.g. "2s,5s,15s") into a schedule. Invalid or non-increasing input
// falls back to DefaultBackoffTiers.
func ParseBackoffTiers(raw string) []time.Duration {
	if raw == "" {
		return DefaultBackoffTiers
	}
	var tiers []time.Duration
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			d, err := time.ParseDuration(raw[start:i])
			if err != nil || d <= 0 {
				return DefaultBackoffTiers
			}
			tiers = append(tiers, d)
			start = i + 1
		}
	}
	for i := 1; i < len(tiers); i++ {
		if tiers[i] <= tiers[i-1] {
			return DefaultBackoffTiers
		}
	}
	return tiers
}
