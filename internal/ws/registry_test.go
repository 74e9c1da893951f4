package ws

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	r.Register("user-1", "sock-a")
	r.Register("user-1", "sock-b")
	r.Register("user-2", "sock-c")

	require.ElementsMatch(t, []string{"sock-a", "sock-b"}, r.SocketsByUser("user-1"))
	require.ElementsMatch(t, []string{"sock-c"}, r.SocketsByUser("user-2"))

	userID, ok := r.UserBySocket("sock-b")
	require.True(t, ok)
	require.Equal(t, "user-1", userID)

	require.True(t, r.IsOnline("user-1"))
	require.Equal(t, 2, r.OnlineUsers())
	require.Equal(t, 3, r.Connections())
}

func TestRegistry_UnregisterLastSocketRemovesUser(t *testing.T) {
	r := NewRegistry()
	r.Register("user-1", "sock-a")
	r.Register("user-1", "sock-b")

	userID, ok := r.Unregister("sock-a")
	require.True(t, ok)
	require.Equal(t, "user-1", userID)
	require.True(t, r.IsOnline("user-1"))

	userID, ok = r.Unregister("sock-b")
	require.True(t, ok)
	require.Equal(t, "user-1", userID)

	// The user's entry must be gone entirely, not left as an empty set.
	require.False(t, r.IsOnline("user-1"))
	require.Nil(t, r.SocketsByUser("user-1"))
	require.Equal(t, 0, r.OnlineUsers())
	require.Equal(t, 0, r.Connections())
}

func TestRegistry_UnregisterUnknownSocketIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Register("user-1", "sock-a")

	_, ok := r.Unregister("sock-unknown")
	require.False(t, ok)
	require.Equal(t, 1, r.Connections())
}

func TestRegistry_ConcurrentChurn(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%d", n%4)
			for j := 0; j < 100; j++ {
				socketID := fmt.Sprintf("sock-%d-%d", n, j)
				r.Register(userID, socketID)
				r.SocketsByUser(userID)
				r.Unregister(socketID)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 0, r.Connections())
	require.Equal(t, 0, r.OnlineUsers())
}
