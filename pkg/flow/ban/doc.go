// Package ban implements the ban lifecycle: creation with escalation,
// explicit un-ban, expiry, paginated listing, and concurrent multi-target
// checking.
//
// Ban records live behind the Store interface; MemoryStore serves tests
// and single-node deployments, SQLiteStore adds durable history with
// filtered listing. The Manager owns the lifecycle rules: at most one
// active record per target, multiplicative duration escalation on repeat
// offenses, and manual bans that only an explicit un-ban can clear.
package ban
