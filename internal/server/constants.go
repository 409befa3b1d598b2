// Package server provides HTTP and WebSocket handlers
package server

import "time"

// Server configuration constants
const (
	// Per-connection WebSocket rate limiting
	RateLimitMessages = 20          // Max messages per window
	RateLimitWindow   = time.Second // Sliding window duration

	// Outbound WebSocket queue per client; a client this far behind misses states
	ClientSendBuffer = 32
	WriteTimeout     = 5 * time.Second

	// WebSocket message types
	TypeState  = "state"
	TypeTake   = "take"
	TypeError  = "error"
	TypeSelect = "select"
	TypeStart  = "start"
	TypeFinish = "finish"
	TypeDelete = "delete"
)
