// Package session tracks live WebSocket connections and the users bound to
// them in Redis, and derives employee presence from the last time any of a
// user's connections showed activity.
package session
