// Package ports allocates free TCP ports for ephemeral chain nodes.
//
// Allocation is verified by an actual bind/listen/close probe on loopback
// rather than any in-process registry, so it stays safe when independent
// test worker processes allocate concurrently on the same host. Collision
// probability is kept negligible by drawing candidates at random from a
// range that is wide relative to expected worker counts.
package ports

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
)

const (
	// DefaultRangeStart and DefaultRangeEnd bound the default search range.
	DefaultRangeStart = 10000
	DefaultRangeEnd   = 60000

	// maxAttempts is the number of random candidates probed before giving up.
	maxAttempts = 20
)

// ErrNoFreePort is returned when the attempt budget is exhausted without
// finding a bindable port. Callers may retry with a different or larger range.
var ErrNoFreePort = errors.New("ports: no free port available")

// Allocate returns a TCP port that was bindable on loopback at probe time.
//
// If requested is non-zero it is probed first and returned when free.
// Otherwise candidates are drawn uniformly at random from
// [rangeStart, rangeEnd] until one probes free or the attempt budget runs out.
func Allocate(requested, rangeStart, rangeEnd int) (int, error) {
	if requested != 0 {
		if err := probe(requested); err == nil {
			return requested, nil
		}
	}
	if rangeStart <= 0 || rangeEnd < rangeStart {
		return 0, fmt.Errorf("ports: invalid range [%d, %d]", rangeStart, rangeEnd)
	}

	for i := 0; i < maxAttempts; i++ {
		candidate := rangeStart + rand.IntN(rangeEnd-rangeStart+1)
		if err := probe(candidate); err == nil {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("%w: %d attempts in range [%d, %d]", ErrNoFreePort, maxAttempts, rangeStart, rangeEnd)
}

// probe binds and immediately releases a listener on 127.0.0.1:port.
func probe(port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}
	return l.Close()
}
