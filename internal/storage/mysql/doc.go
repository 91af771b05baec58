// Package mysql provides data access helpers backed by MySQL. It encapsulates
// connection pooling, embedded schema migrations, and the relational store for
// accounts, roles and permissions used by the auth service.
package mysql
