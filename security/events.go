package security

// Event type constants for the security monitor. Threat event types equal
// the name of the Category that produced them.
const (
	// Detection events

	// EventSQLInjection is logged when a request string matched an SQL injection signature
	EventSQLInjection = string(CategorySQLInjection)

	// EventXSS is logged when a request string matched a cross-site scripting signature
	EventXSS = string(CategoryXSS)

	// EventPathTraversal is logged when a request string matched a path traversal signature
	EventPathTraversal = string(CategoryPathTraversal)

	// EventCommandInjection is logged for shell command injection signatures
	EventCommandInjection = string(CategoryCommandInjection)

	// EventLDAPInjection is logged for LDAP filter injection signatures
	EventLDAPInjection = string(CategoryLDAPInjection)

	// EventXMLInjection is logged for XML / XXE signatures
	EventXMLInjection = string(CategoryXMLInjection)

	// EventNoSQLInjection is logged for NoSQL operator injection signatures
	EventNoSQLInjection = string(CategoryNoSQLInjection)

	// EventHoneypotTriggered is logged when a decoy path was requested
	EventHoneypotTriggered = "honeypot_triggered"

	// Enforcement events

	// EventRateLimitExceeded is logged when a client exceeded the request window
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventIPBlocked is logged whenever a block entry is written, by a detector or an admin
	EventIPBlocked = "ip_blocked"

	// EventIPUnblocked is logged when an admin removes a block entry
	EventIPUnblocked = "ip_unblocked"

	// EventBlockedAccessAttempt is logged when an actively blocked client sends another request
	EventBlockedAccessAttempt = "blocked_access_attempt"

	// Operational events

	// EventBlocklistPersistFailed is logged when the block file could not be written
	EventBlocklistPersistFailed = "blocklist_persist_failed"

	// EventGateError is logged when detection failed with a store error or panic
	EventGateError = "gate_error"

	// EventRulesReloaded is logged after the signature table was swapped
	EventRulesReloaded = "rules_reloaded"

	// EventRulesReloadFailed is logged when a rule file could not be loaded; the old table stays live
	EventRulesReloadFailed = "rules_reload_failed"
)
