// Package security provides the detectors and bookkeeping behind the request
// gate: threat signature matching, sliding-window and token-bucket rate
// limiting, honeypot paths, client IP resolution and the security event
// monitor.
//
// # Threat signatures
//
// A Matcher compiles a RuleTable (category -> regular expressions) and
// reports the set of categories a string matches:
//
//	m := security.MustNewMatcher(security.ExtendedRules())
//	m.Match("' OR '1'='1") // [sql_injection]
//
// Matching is syntactic. Free text that resembles an attack is flagged; this
// false-positive rate is accepted in exchange for not parsing SQL, HTML or
// shell. Tables can be loaded from YAML (LoadRules), swapped at runtime
// (Matcher.Replace) and reloaded on change (RuleWatcher). VerdictCache
// memoizes results for repeated long inputs.
//
// # Rate limiting
//
// SlidingWindowLimiter enforces MaxRequests per trailing Window per client,
// by default 100 per 5 minutes (DefaultPolicy). LoginPolicy is the 50 per
// hour preset for credential endpoints. Tracked clients are LRU bounded:
//
//	limiter := security.NewSlidingWindowLimiter(security.DefaultPolicy(), logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // block and answer 429
//	}
//
// BurstLimiter is a token bucket per identifier used for the admin API.
//
// # Monitoring
//
// Monitor.Log assigns an ID and a threat level to each Event, writes a slog
// record, keeps the newest events in a ring buffer and forwards them to an
// optional EventSink, SecurityLog file and metrics recorder. HIGH events
// trigger the AlertFunc.
package security
