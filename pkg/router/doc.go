/*
Package router implements topology-validated mail delivery.

Route is the single entry point for every hop: it checks the sender→
recipient edge against an immutable topology snapshot, then writes the mail
into the recipient's inbox (agents and mailboxes get a rename-in file,
the human node an append to its single-file store). Rejected mail produces
a bounce back to the sender; a bounce that cannot itself be delivered is
dropped to the dead-letter directory, never bounced again.

Delivery is at-least-once. Mail consumed from an outbox is staged in the
orchestrator-owned inflight spool before routing; on startup the spool is
rescanned and every leftover mail re-routed against the current topology.
A crash between inbox-write and spool-unlink can therefore duplicate a
mail; consumers needing exactly-once semantics dedup by mail id.

Route never returns an error: failures surface as bounces, dead-letters,
and events.
*/
package router
