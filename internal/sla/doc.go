// Package sla measures how long customers wait for a human agent.
//
// A measurement starts when a conversation is handed over to the agent queue
// and stops at the first agent reply. Start is idempotent per conversation:
// duplicate handover signals keep the original start time, so the recorded
// wait is always measured from the first request. Completed measurements are
// persisted as store.SLARecord rows for the stats surface.
package sla
