/*
Package maildir implements the filesystem mail store: per-node inbox and
outbox directories in which each mail is one immutable JSON file.

Layout under the data root:

	agents/<agentId>/{inbox, outbox, workspace, state, logs}
	human/{inbox.json, outbox.json}
	mailboxes/<id>/{inbox, outbox}
	inflight/
	deadletter/

File names are <epochMillis>-<uuid>.json, so a lexicographic sort of a
directory listing yields FIFO order; same-millisecond collisions tie-break
by UUID.

Producers write to a temporary sibling and rename into the target
directory; rename is atomic on a single filesystem, so readers never
observe a partial file. Consumers list, sort, then read-and-unlink.
Unparseable files are quarantined in a poison/ subdirectory and never
retried.

The human endpoint keeps single-file JSON arrays instead of one file per
mail; they are rewritten atomically on every append.
*/
package maildir
