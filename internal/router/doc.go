// Package router owns the connections held by one server process.
//
// A connection moves from connected to joined (bound to one document room)
// and finally to disconnected. Session events are committed to the shared
// stores and published on the bus; every process, including the one that
// published, delivers bus events to its own connections in the event's
// room. Document changes and presence changes are never echoed to any
// connection of the user who caused them.
package router
