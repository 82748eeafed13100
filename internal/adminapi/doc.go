// Package adminapi exposes operational HTTP endpoints for topic-relay.
package adminapi
