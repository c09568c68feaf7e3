// Package network implements CloudNet's packet transport.
//
// A Channel wraps one TCP connection. Outgoing packets pass a cancellable
// PacketSendEvent in the sending goroutine and are then handed to the
// channel's write goroutine. Incoming frames are decoded on the read
// goroutine and dispatched to listeners on a Dispatcher lane, so a slow or
// blocking listener never stalls the socket.
//
// Every channel owns a private ListenerRegistry whose parent is the shared
// default registry. Packet channel ids below FirstExtensionChannel are
// reserved for the cluster protocol.
package network
