// Package redis will offer caching and distributed-lock primitives for
// deployments that run multiple daemons against shared state. The command
// queue already has a redis-backed implementation in internal/command; the
// helpers here are reserved for cross-daemon coordination such as reload
// fencing and invocation rate limiting.
package redis
