// Package stores provides the persistence layer for statusflow. It includes
// SQLite-based storage with WAL mode and embedded migrations, the atomic
// compare-and-set primitives the transition engine relies on, operation
// tracking with terminal-state guards, and an append-only event log.
package stores
