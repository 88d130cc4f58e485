// Package kube manages the authenticated connection to the relay cluster.
//
// Connect loads the kubeconfig with the usual client-go loading rules, builds a
// clientset and checks, with SelfSubjectAccessReviews, that the caller may create,
// delete and port-forward pods in the relay namespace. The resulting Handle is created
// once per process and shared by every session.
//
// # Relays
//
// A relay is a short-lived pod running socat that listens on the target's port and
// forwards every connection to the target's address. Relay pods carry the
// app.kubernetes.io/managed-by=tunnel label, a tunnel.dev/owner label naming the user
// and machine that created them, and an activeDeadlineSeconds so that a crashed client
// cannot leave them running forever. ListRelays and PruneRelays only see the local
// owner's relays; PruneRelays removes those no live session owns, once they are older
// than the ready timeout.
//
// # Errors
//
// 401 and 403 responses, and credential plugin failures, are AuthErrors. Everything
// else the API server or the network returns is a ConnectError.
package kube
