// Package store provides persistent storage for the controller using SQLite.
//
// # Data Models
//
//   - Agent: durable record of an endpoint agent, upserted on registration
//     and flipped offline on disconnect (never deleted)
//   - Conversation: groups messages and the agents reporting into them
//   - Message: individual conversation entries; task-derived messages carry
//     a task_id reference
//   - Task: the persisted form of one execution report, including the
//     ordered step outcomes as JSON
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Database file locations:
//
//   - Production: /var/lib/hexalink/controller.db
//   - Development: ~/.local/share/hexalink/controller.db
//   - Testing: :memory: (in-memory database)
//
// # Error Handling
//
// ErrNotFound is returned when a requested entity does not exist. All
// methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	s := store.NewMockStore()
//
// Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
package store
