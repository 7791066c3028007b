// Package audit keeps a persistent trail of channel lifecycle events.
//
// [Auditor] implements mux.Observer: every channel open and close seen by a
// connection becomes a [Record] in the channel_audit_logs table (sqlite via
// GORM). Records carry the connection id, channel type and role, both
// channel ids, byte counters and the exit record of closed channels.
//
// Observer callbacks never touch the database. They queue the record for a
// single writer goroutine and return; a full queue drops the record and
// counts it in [Auditor.Dropped]. [Auditor.Flush] waits for the queue to
// empty and [Auditor.Close] stops the writer after storing what is queued.
//
// # Retention
//
// [Auditor.PurgeOlderThan] deletes records beyond the retention period.
// [Auditor.SchedulePurge] runs it on a cron schedule.
//
// # Log Prefixes
//
//   - [audit]: write and purge failures, dropped records, purge summaries
package audit
