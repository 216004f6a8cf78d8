// Package graph tracks the directed follower relation between users and the
// delivery capability of those that are currently connected.
package graph

// Conn is the transient delivery capability attached to a connected user.
// Send reports whether the payload was accepted for delivery; a rejected
// payload is simply lost, the sender is never told.
type Conn interface {
	Send(payload string) bool
}

// User is a record in the graph. Followers holds the ids of users following
// this one. Conn is non-nil only while a client connection for this user is
// live; a record's existence says nothing about connectivity.
type User struct {
	ID        string
	Followers map[string]struct{}
	Conn      Conn
}

// AddFollower inserts id into the follower set. Repeated adds are idempotent.
func (u *User) AddFollower(id string) {
	u.Followers[id] = struct{}{}
}

// RemoveFollower deletes id from the follower set. Removing a non-follower
// is a no-op.
func (u *User) RemoveFollower(id string) {
	delete(u.Followers, id)
}

// Graph maps user ids to records. Records are created lazily on first
// reference, which matches the event stream's forward references: a follow
// event may name users before either has connected. Records live for the
// process lifetime once created.
//
// Graph is not safe for concurrent use; a single owner goroutine is assumed.
type Graph struct {
	users map[string]*User
}

func New() *Graph {
	return &Graph{users: make(map[string]*User)}
}

// User returns the record for id, creating an empty one on demand.
func (g *Graph) User(id string) *User {
	u, ok := g.users[id]
	if !ok {
		u = &User{ID: id, Followers: make(map[string]struct{})}
		g.users[id] = u
	}
	return u
}

// Register attaches a connection to the user's record, creating the record
// if needed. A pre-existing follower set is preserved.
func (g *Graph) Register(id string, c Conn) *User {
	u := g.User(id)
	u.Conn = c
	return u
}

// Unregister clears the user's connection handle if it still refers to c.
// The record itself persists; later sends to the user silently drop.
func (g *Graph) Unregister(id string, c Conn) {
	if u, ok := g.users[id]; ok && u.Conn == c {
		u.Conn = nil
	}
}

// FollowersOf resolves the followers of id to user records, creating the
// target record on demand. Follower sets hold ids rather than record
// pointers, so resolution happens here at query time.
func (g *Graph) FollowersOf(id string) []*User {
	target := g.User(id)
	followers := make([]*User, 0, len(target.Followers))
	for fid := range target.Followers {
		followers = append(followers, g.User(fid))
	}
	return followers
}

// All returns every known user record in no particular order.
func (g *Graph) All() []*User {
	users := make([]*User, 0, len(g.users))
	for _, u := range g.users {
		users = append(users, u)
	}
	return users
}
