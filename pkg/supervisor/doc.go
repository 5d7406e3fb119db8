// Package supervisor manages agent containers. For each configured bee it
// ensures the on-disk subtree, writes the soul and hierarchy files, drives
// the container through create/start/stop/remove, and attaches the outbox
// watcher and queue counter while the agent runs. Queues always outlive the
// container: stopping an agent never discards mail.
package supervisor
