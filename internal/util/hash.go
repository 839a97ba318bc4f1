// Package util provides shared utility functions.
package util

import (
	"hash/fnv"
	"net"
	"sync/atomic"
)

var bridgeCounter atomic.Uint32

// BridgeIDFromConn computes a 4-byte hash from a TCP connection's 4-tuple
// (local IP, local port, remote IP, remote port). The hash is used solely
// for identification in log lines and does not need to be reversible.
func BridgeIDFromConn(conn net.Conn) uint32 {
	h := fnv.New32a()
	h.Write([]byte(conn.LocalAddr().String()))
	h.Write([]byte(conn.RemoteAddr().String()))
	return h.Sum32()
}

// NextBridgeID returns a process-unique identifier for bridges that have no
// local TCP 4-tuple to hash (UDP sessions, server and client side).
func NextBridgeID() uint32 {
	return bridgeCounter.Add(1)
}
