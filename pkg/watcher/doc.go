/*
Package watcher observes the filesystem mail queues.

An OutboxWatcher runs one goroutine per running agent. Every fsnotify
event on the agent's outbox triggers a sorted drain pass, and a full drain
also runs at watch start, so files written while no watcher was running
are still picked up. Each drained file is staged into the orchestrator's
inflight spool by rename before routing; parse failures are quarantined in
the outbox's poison/ subdirectory.

The Counter maintains the live queue-depth snapshot for every tracked
node. Filesystem events only mark the snapshot dirty; a coalescing timer
recounts the directories and publishes a single mail:counts event per
burst.
*/
package watcher
