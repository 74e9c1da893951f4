// Package ws tracks live WebSocket connections per user and fans events out to
// them. A user may hold several sockets at once (tabs, devices); routing is
// done through the registry's inverse maps rather than by walking connections.
package ws

import "sync"

// Registry maintains the userID -> socketIDs and socketID -> userID maps. Both
// maps are mutated together under one lock so they can never disagree, and a
// user's entry is removed the moment their last socket goes away.
type Registry struct {
	mu            sync.RWMutex
	socketsByUser map[string]map[string]struct{}
	userBySocket  map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		socketsByUser: make(map[string]map[string]struct{}),
		userBySocket:  make(map[string]string),
	}
}

// Register associates a socket with a user.
func (r *Registry) Register(userID, socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sockets, ok := r.socketsByUser[userID]
	if !ok {
		sockets = make(map[string]struct{})
		r.socketsByUser[userID] = sockets
	}
	sockets[socketID] = struct{}{}
	r.userBySocket[socketID] = userID
}

// Unregister removes a socket and reports which user it belonged to. Removing
// an unknown socket is a no-op with ok=false.
func (r *Registry) Unregister(socketID string) (userID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok = r.userBySocket[socketID]
	if !ok {
		return "", false
	}
	delete(r.userBySocket, socketID)
	sockets := r.socketsByUser[userID]
	delete(sockets, socketID)
	if len(sockets) == 0 {
		delete(r.socketsByUser, userID)
	}
	return userID, true
}

// SocketsByUser returns the socket IDs currently held by the user. The result
// is a copy; empty means offline.
func (r *Registry) SocketsByUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sockets := r.socketsByUser[userID]
	if len(sockets) == 0 {
		return nil
	}
	out := make([]string, 0, len(sockets))
	for id := range sockets {
		out = append(out, id)
	}
	return out
}

// UserBySocket resolves a socket back to its user.
func (r *Registry) UserBySocket(socketID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.userBySocket[socketID]
	return userID, ok
}

// IsOnline reports whether the user has at least one live socket.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.socketsByUser[userID]) > 0
}

// OnlineUsers returns the number of distinct users with live sockets.
func (r *Registry) OnlineUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.socketsByUser)
}

// Connections returns the total number of live sockets.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userBySocket)
}
