// Package session tracks WebSocket sessions and the document each one has
// open, backed by Redis so every docserver instance can see them.
package session
