// Package chanmsg carries channel messages: fire-and-forget notifications
// addressed to all nodes or to single nodes of the cluster.
//
// A message names a channel (the feature it belongs to) and a message key
// (the action), and carries an opaque payload. Receivers subscribe per
// channel through the event bus.
package chanmsg
