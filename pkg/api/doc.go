// Package api is the external gateway: the HTTP surface the canvas and
// external senders use. Request/response endpoints map one-to-one onto
// orchestrator operations, the event stream is a websocket fanning out the
// broker, and the error taxonomy maps onto HTTP statuses.
package api
