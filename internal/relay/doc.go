// ABOUTME: Package documentation for the relay engine
// ABOUTME: Describes the two relay directions and how gateway failures are classified

// Package relay moves messages between private user chats and their forum
// topics in the operator workspace.
//
// ToOperator copies a user's message into that user's topic, creating the
// topic on first contact and recreating it when the workspace reports the
// thread is gone. When Telegram refuses the copy, link-bearing text is
// re-sent as a plain message instead. ToUser copies an operator's
// reply in a topic back to the user and threads it onto the original message
// through the link tracker.
//
// Every gateway failure goes through messaging.KindOf, so the fallback,
// recovery and notice rules live in one place.
package relay
