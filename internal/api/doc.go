// Package api exposes the REST surface of the orchestration daemon: token
// issuance, command submission and inspection, plugin lifecycle operations,
// synchronous capability invocation, queue status, health, and metrics.
package api
