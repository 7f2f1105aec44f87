// Package bus carries document changes, cursor updates, presence changes and
// chat messages between server processes.
//
// There is one global channel per event class rather than one per room.
// Every process subscribes to all four once at startup and filters by room
// locally. Delivery is at-most-once with no acknowledgement or retry, and
// order is only what the transport preserves per channel.
package bus
