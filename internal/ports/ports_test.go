package ports

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateReturnsBindablePort(t *testing.T) {
	port, err := Allocate(0, DefaultRangeStart, DefaultRangeEnd)
	require.NoError(t, err)
	require.GreaterOrEqual(t, port, DefaultRangeStart)
	require.LessOrEqual(t, port, DefaultRangeEnd)

	// The allocated port must be bindable immediately afterwards.
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	require.NoError(t, l.Close())
}

func TestAllocateHonorsRequestedPort(t *testing.T) {
	// Find a port that is currently free by binding and releasing it.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	free := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	port, err := Allocate(free, DefaultRangeStart, DefaultRangeEnd)
	require.NoError(t, err)
	assert.Equal(t, free, port)
}

func TestAllocateFallsBackWhenRequestedOccupied(t *testing.T) {
	// Hold a port open so the requested probe fails.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	occupied := l.Addr().(*net.TCPAddr).Port

	port, err := Allocate(occupied, DefaultRangeStart, DefaultRangeEnd)
	require.NoError(t, err)
	assert.NotEqual(t, occupied, port)
}

func TestAllocateExhaustsBudget(t *testing.T) {
	// A range consisting of a single occupied port can never succeed.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	occupied := l.Addr().(*net.TCPAddr).Port

	_, err = Allocate(0, occupied, occupied)
	require.ErrorIs(t, err, ErrNoFreePort)
	assert.Contains(t, err.Error(), "20 attempts")
}

func TestAllocateRejectsInvalidRange(t *testing.T) {
	_, err := Allocate(0, 500, 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid range")
}

func TestAllocateDistinctAcrossWorkers(t *testing.T) {
	// Simulate parallel workers by holding every allocated port open while
	// allocating the next one; all results must be pairwise distinct.
	const workers = 8

	seen := make(map[int]bool, workers)
	var held []net.Listener
	defer func() {
		for _, l := range held {
			l.Close()
		}
	}()

	for i := 0; i < workers; i++ {
		port, err := Allocate(0, DefaultRangeStart, DefaultRangeEnd)
		require.NoError(t, err)
		require.False(t, seen[port], "port %d allocated twice", port)
		seen[port] = true

		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		require.NoError(t, err)
		held = append(held, l)
	}
}
