package core

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

type BaseFixture struct {
	ctx      context.Context
	db       *sql.DB
	t        *testing.T
	tearDown func()
}

func NewBaseFixture(t *testing.T) *BaseFixture {

	ctx, cancel := context.WithCancel(context.Background())

	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}

	migrationfs := os.DirFS("../migrations")
	goose.SetBaseFS(migrationfs)

	if err := goose.SetDialect("sqlite3"); err != nil {
		t.Fatal(err)
	}

	if err := goose.Up(db, "."); err != nil {
		t.Fatal(err)
	}

	return &BaseFixture{
		ctx: ctx,
		db:  db,
		t:   t,
		tearDown: func() {
			cancel()
			db.Close()
		},
	}
}

type RosterFixture struct {
	*BaseFixture
	userStore    UserStore
	rosterStore  RosterStore
	messageStore MessageStore
}

func NewRosterFixture(t *testing.T) *RosterFixture {
	base := NewBaseFixture(t)
	userStore := NewSQLiteUserStore(base.db)
	rosterStore := NewSQLiteRosterStore(base.db, userStore)
	return &RosterFixture{
		BaseFixture:  base,
		userStore:    userStore,
		rosterStore:  rosterStore,
		messageStore: NewSQLiteMessageStore(base.db, rosterStore),
	}
}

func seedUsers(f *RosterFixture, users ...User) {
	for _, u := range users {
		if err := f.userStore.CreateUser(f.ctx, u); err != nil {
			f.t.Fatal(err)
		}
	}
}

func seedRooms(f *RosterFixture, owner User, names ...string) []string {

	if len(names) == 0 {
		names = append(names, "Group chat")
	}

	ids := make([]string, 0, len(names))
	for _, name := range names {
		roomID, err := f.rosterStore.CreateRoom(f.ctx, name, owner.Username)
		if err != nil {
			f.t.Fatal(err)
		}
		ids = append(ids, roomID)
	}
	return ids
}
