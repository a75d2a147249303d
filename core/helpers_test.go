package core

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	alice = User{Username: "alice", Password: "password", Name: "Alice"}
	bob   = User{Username: "bob", Password: "password", Name: "Bob"}
	carol = User{Username: "carol", Password: "password", Name: "Carol"}
)

func seedUsers(ctx context.Context, t *testing.T, userStore UserStore, users ...User) []int64 {
	ids := make([]int64, 0, len(users))
	for _, u := range users {
		id, err := userStore.CreateUser(ctx, u)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	return ids
}

// seedGroup creates a group owned by the first member and adds the rest.
func seedGroup(ctx context.Context, t *testing.T, groupStore GroupStore, communityID int64, members ...int64) int64 {
	id, err := groupStore.CreateGroup(ctx, "group", communityID, members[0])
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range members[1:] {
		if err := groupStore.AddGroupMember(ctx, id, m, Member); err != nil {
			t.Fatal(err)
		}
	}
	return id
}

var sessionIDs atomic.Int64

// fakeSession records every event sent to it.
type fakeSession struct {
	id     string
	userID int64

	mu     sync.Mutex
	events []*Event
	err    error
}

func newFakeSession(userID int64) *fakeSession {
	return &fakeSession{
		id:     "fake-" + strconv.FormatInt(sessionIDs.Add(1), 10),
		userID: userID,
	}
}

func (s *fakeSession) ID() string    { return s.id }
func (s *fakeSession) UserID() int64 { return s.userID }

func (s *fakeSession) Send(e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

// Events returns the received events of the given type, or all of them
// when no type is given.
func (s *fakeSession) Events(types ...string) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(types) == 0 {
		return append([]*Event(nil), s.events...)
	}
	var events []*Event
	for _, e := range s.events {
		for _, t := range types {
			if e.Type == t {
				events = append(events, e)
			}
		}
	}
	return events
}

func (s *fakeSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

func decodePayload[T any](t *testing.T, e *Event) T {
	t.Helper()
	var payload T
	require.NoError(t, json.Unmarshal(e.Payload, &payload))
	return payload
}
