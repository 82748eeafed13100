// ABOUTME: Package documentation for the topic registry
// ABOUTME: Summarizes the one-topic-per-user guarantee

// Package topics keeps exactly one operator forum topic per user.
package topics
