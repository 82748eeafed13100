// Package messaging defines the chat gateway contract consumed by the relay.
//
// Implementations return *Error for platform-reported failures; use KindOf to
// branch without caring about the concrete client library. MockGateway is a
// scripted in-memory implementation for tests in other packages.
package messaging
