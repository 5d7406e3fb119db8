/*
Package events provides the in-process event bus that fans status changes,
mail events, and queue-count updates out to all subscribers.

A single distribution goroutine drains a buffered publish channel and copies
each event into every subscriber's bounded queue, so subscribers observe
events in publication order. The publish path never blocks on a slow
consumer: a subscriber whose queue fills is evicted and its channel closed,
which the subscriber must treat as a signal to reconnect.

	Publisher ──▶ publish channel (1024)
	                   │
	            broadcast loop
	         ┌─────────┼─────────┐
	         ▼         ▼         ▼
	     sub queue  sub queue  sub queue   (256 each, drop on overflow)

The stream is not persistent: events published while a subscriber is absent
are lost to it, and nothing survives an orchestrator restart.
*/
package events
