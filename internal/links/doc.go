// ABOUTME: Package documentation for the link tracker
// ABOUTME: Explains why links are stored in pairs

// Package links records the correspondence between an original message and
// its copy. Each relay stores a forward link and a mirror link in one
// transaction, so a reply on either side can find the message it answers.
package links
