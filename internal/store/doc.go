// Package store provides persistent storage for the relay using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with small
// specialized interfaces composed into Store:
//
//   - ConversationStore: user to topic mapping, with lookups by topic
//   - UserStore: end-user profiles
//   - LinkStore: message links between private chats and topics
//   - MessageLog: append-only audit log of inbound messages
//
// Writes that must land together go through WithTx, which hands the caller a
// Tx. If the callback returns an error nothing it wrote survives.
//
// # Data Models
//
//   - User: end-user profile, keyed by Telegram user id
//   - Conversation: one row per user; Active marks the topic currently in use
//   - MessageLink: one direction of a copied message; stored in pairs
//   - MessageRecord: audit entry, unique on (chat, message)
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// A partial unique index guarantees no two active conversations share a topic.
//
// # Testing
//
// Use NewMockStore() for unit tests. It supports failure hooks
// (FailInsertLink, FailFindLink, FailSaveConversation) for exercising
// rollback paths.
//
// Use NewSQLiteStore(":memory:") for integration tests with real SQLite.
package store
