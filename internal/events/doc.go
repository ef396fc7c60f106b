// Package events carries job progress from workers to whoever is watching.
//
// Events are grouped into rooms keyed by job ID. The Broadcaster is a single
// dispatcher goroutine fed by a channel: Publish never blocks the caller,
// and delivery is at most once with no replay. Observers that join a room
// late miss earlier events. Each job produces progress events followed by
// exactly one complete or error event.
//
// RedisRelay carries the same events between processes over Redis pub/sub.
package events
