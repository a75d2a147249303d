package core

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

type BaseFixture struct {
	ctx      context.Context
	db       *sql.DB
	t        *testing.T
	logger   *slog.Logger
	tearDown func()
}

func NewBaseFixture(t *testing.T) *BaseFixture {
	ctx, cancel := context.WithCancel(context.Background())

	// every fixture gets its own in-memory database
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)

	if err := Migrate(db, "../migrations"); err != nil {
		t.Fatal(err)
	}

	return &BaseFixture{
		ctx:    ctx,
		db:     db,
		t:      t,
		logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})),
		tearDown: func() {
			cancel()
			db.Close()
		},
	}
}

// EngineFixture wires every real-time component over SQLite stores.
type EngineFixture struct {
	*BaseFixture
	userStore  *SQLiteUserStore
	chatStore  *SQLiteChatStore
	callStore  *SQLiteCallStore
	identities *IdentityCache
	rooms      *RoomRouter
	presence   *PresenceRegistry
	dispatcher *Dispatcher
	status     *StatusTracker
	calls      *CallCoordinator
}

func NewEngineFixture(t *testing.T) *EngineFixture {
	base := NewBaseFixture(t)
	f := &EngineFixture{
		BaseFixture: base,
		userStore:   NewSQLiteUserStore(base.db),
		chatStore:   NewSQLiteChatStore(base.db),
		callStore:   NewSQLiteCallStore(base.db),
	}

	identities, err := NewIdentityCache(f.userStore, 16)
	if err != nil {
		t.Fatal(err)
	}
	f.identities = identities
	f.rooms = NewRoomRouter(f.chatStore, base.logger)
	f.presence = NewPresenceRegistry(f.userStore, f.chatStore, f.rooms, base.logger)
	f.dispatcher = NewDispatcher(f.chatStore, f.chatStore, f.userStore, identities, f.rooms, base.logger)
	f.status = NewStatusTracker(f.chatStore, f.chatStore, f.chatStore, f.rooms, base.logger)
	f.calls = NewCallCoordinator(f.callStore, f.chatStore, f.userStore, identities, f.rooms, base.logger,
		WithRingTimeout(time.Minute))
	return f
}

// connect opens a fake session for the user the way a websocket
// connection is opened.
func (f *EngineFixture) connect(userID int64) *fakeSession {
	s := newFakeSession(userID)
	if _, err := f.presence.Open(f.ctx, s, f.rooms.JoinDurableRooms); err != nil {
		f.t.Fatal(err)
	}
	return s
}

func (f *EngineFixture) disconnect(s *fakeSession) {
	f.presence.Unregister(f.ctx, s)
	f.rooms.LeaveAll(s)
}
