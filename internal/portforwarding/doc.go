// Package portforwarding implements the local side of a relay tunnel.
//
// A Tunnel binds a local TCP listener and forwards every accepted connection over one
// upgraded (SPDY, portforward.k8s.io) connection to a port of the relay pod. Each
// forwarded connection gets its own error and data stream pair, created the same way
// kubectl port-forward does.
//
// # Lifecycle
//
// Open binds the listener, dials the relay and probes the remote port before it returns,
// so a port the relay cannot reach fails fast with a ConnectError. Wait reports how the
// tunnel ended: nil after Close or context cancellation, ErrRemoteReset when the upgraded
// connection was lost. After a reset the listener stays bound and Reconnect can dial a
// fresh connection; local clients connecting in between are rejected.
//
// Close stops accepting, closes every forwarded connection and waits at most the grace
// period for the copy loops before closing the relay connection.
//
// # Errors
//
// Upgrade failures answered with 401 or 403 are AuthErrors. Everything else, including
// errors reported by the kubelet on an error stream, is a ConnectError.
package portforwarding
