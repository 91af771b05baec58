// Package sshpool will hold the shared SSH connection pool for execution
// plugins that reach managed nodes directly instead of shelling out to site
// tooling. Pooled sessions, host key pinning, and per-target concurrency
// caps are scoped here so individual plugins never manage raw connections.
package sshpool
