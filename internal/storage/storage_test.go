package storage

import (
	"context"
	"errors"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
	"github.com/iknow13/CloudNet-v3/internal/network"
	"github.com/iknow13/CloudNet-v3/internal/rpc"
)

func openMemory(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(Config{InMemory: true}, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func mustDatabase(t *testing.T, e *Engine, name string) *Database {
	t.Helper()
	db, err := e.Database(name)
	if err != nil {
		t.Fatalf("Database(%q) failed: %v", name, err)
	}
	return db
}

func TestDatabase_BasicOperations(t *testing.T) {
	e := openMemory(t)
	db := mustDatabase(t, e, "players")

	t.Run("Insert and Get", func(t *testing.T) {
		if err := db.Insert("alice", Document(`{"coins":5}`)); err != nil {
			t.Fatal(err)
		}
		doc, ok, err := db.Get("alice")
		if err != nil || !ok {
			t.Fatalf("Get = (%v, %v)", ok, err)
		}
		if string(doc) != `{"coins":5}` {
			t.Errorf("document = %s", doc)
		}
	})

	t.Run("Insert replaces", func(t *testing.T) {
		if err := db.Insert("alice", Document(`{"coins":7}`)); err != nil {
			t.Fatal(err)
		}
		doc, _, _ := db.Get("alice")
		if string(doc) != `{"coins":7}` {
			t.Errorf("document = %s, want replacement", doc)
		}
	})

	t.Run("Get missing", func(t *testing.T) {
		_, ok, err := db.Get("bob")
		if err != nil || ok {
			t.Errorf("Get(missing) = (%v, %v), want (false, nil)", ok, err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := db.Insert("carol", Document(`{}`)); err != nil {
			t.Fatal(err)
		}
		removed, err := db.Delete("carol")
		if err != nil || !removed {
			t.Fatalf("Delete = (%v, %v)", removed, err)
		}
		removed, err = db.Delete("carol")
		if err != nil || removed {
			t.Errorf("second Delete = (%v, %v), want (false, nil)", removed, err)
		}
		if ok, _ := db.Contains("carol"); ok {
			t.Error("deleted document still present")
		}
	})
}

func TestDatabase_Validation(t *testing.T) {
	e := openMemory(t)
	db := mustDatabase(t, e, "db")

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"empty database name", func() error { _, err := e.Database(""); return err }, domain.ErrInvalidArgument},
		{"database name with separator", func() error { _, err := e.Database("a/b"); return err }, domain.ErrInvalidArgument},
		{"empty key", func() error { return db.Insert("", Document(`1`)) }, domain.ErrInvalidArgument},
		{"key with separator", func() error { return db.Insert("a\x00b", Document(`1`)) }, domain.ErrInvalidArgument},
		{"invalid json", func() error { return db.Insert("k", Document(`{`)) }, domain.ErrInvalidDocument},
		{"lookup missing", func() error { _, err := e.Lookup("ghost"); return err }, domain.ErrDatabaseNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDatabase_Iteration(t *testing.T) {
	e := openMemory(t)
	db := mustDatabase(t, e, "stats")
	other := mustDatabase(t, e, "stats2")

	for _, k := range []string{"c", "a", "b", "d"} {
		if err := db.Insert(k, Document(`"`+k+`"`)); err != nil {
			t.Fatal(err)
		}
	}
	if err := other.Insert("x", Document(`1`)); err != nil {
		t.Fatal(err)
	}

	keys, err := db.Keys()
	if err != nil || !slices.Equal(keys, []string{"a", "b", "c", "d"}) {
		t.Errorf("Keys = (%v, %v)", keys, err)
	}
	if n, _ := db.Count(); n != 4 {
		t.Errorf("Count = %d, want 4", n)
	}

	docs, err := db.Documents()
	if err != nil || len(docs) != 4 || string(docs["b"]) != `"b"` {
		t.Errorf("Documents = (%v, %v)", docs, err)
	}

	filtered, _ := db.Filter(func(key string, _ Document) bool { return key > "b" })
	if len(filtered) != 2 {
		t.Errorf("Filter returned %d documents, want 2", len(filtered))
	}

	chunks := []struct {
		offset, limit int
		want          []string
	}{
		{0, 2, []string{"a", "b"}},
		{2, 2, []string{"c", "d"}},
		{3, 5, []string{"d"}},
		{4, 2, nil},
	}
	for _, c := range chunks {
		entries, err := db.Chunk(c.offset, c.limit)
		if err != nil {
			t.Fatalf("Chunk(%d, %d) failed: %v", c.offset, c.limit, err)
		}
		var got []string
		for _, en := range entries {
			got = append(got, en.Key)
		}
		if !slices.Equal(got, c.want) {
			t.Errorf("Chunk(%d, %d) = %v, want %v", c.offset, c.limit, got, c.want)
		}
	}
	if _, err := db.Chunk(0, 0); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("Chunk(0, 0) error = %v", err)
	}

	if err := db.Clear(); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.Count(); n != 0 {
		t.Errorf("Count after Clear = %d", n)
	}
	if n, _ := other.Count(); n != 1 {
		t.Errorf("Clear touched a database sharing the name prefix: count = %d", n)
	}
	if ok, _ := e.ContainsDatabase("stats"); !ok {
		t.Error("Clear removed the database itself")
	}
}

func TestEngine_DatabaseNames(t *testing.T) {
	e := openMemory(t)
	mustDatabase(t, e, "b")
	if err := mustDatabase(t, e, "a").Insert("k", Document(`true`)); err != nil {
		t.Fatal(err)
	}

	names, err := e.Names()
	if err != nil || !slices.Equal(names, []string{"a", "b"}) {
		t.Fatalf("Names = (%v, %v)", names, err)
	}

	deleted, err := e.DeleteDatabase("a")
	if err != nil || !deleted {
		t.Fatalf("DeleteDatabase = (%v, %v)", deleted, err)
	}
	if deleted, _ := e.DeleteDatabase("a"); deleted {
		t.Error("second DeleteDatabase reported a deletion")
	}
	if ok, _ := e.ContainsDatabase("a"); ok {
		t.Error("deleted database still listed")
	}
	if n, _ := e.handle("a").Count(); n != 0 {
		t.Errorf("documents of the deleted database survived: %d", n)
	}
}

func TestEngine_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0

	e, err := Open(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := mustDatabase(t, e, "settings").Insert("motd", Document(`"hello"`)); err != nil {
		t.Fatal(err)
	}
	if _, err := e.GC(context.Background()); err != nil {
		t.Errorf("GC failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	e, err = Open(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	db, err := e.Lookup("settings")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	doc, ok, err := db.Get("motd")
	if err != nil || !ok || string(doc) != `"hello"` {
		t.Errorf("Get after reopen = (%s, %v, %v)", doc, ok, err)
	}
}

func TestEngine_RegisterMetrics(t *testing.T) {
	e := openMemory(t)
	reg := prometheus.NewRegistry()
	if err := e.RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics failed: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) != 4 {
		t.Errorf("gathered %d metric families, want 4", len(families))
	}
	if err := e.RegisterMetrics(reg); err == nil {
		t.Error("registering twice succeeded")
	}
}

func TestRemoteDatabase(t *testing.T) {
	e := openMemory(t)

	regClient := network.NewListenerRegistry(nil, nil)
	regServer := network.NewListenerRegistry(nil, nil)
	a, b := net.Pipe()
	toServer, err := network.NewChannel(a, false, network.Options{Registry: regClient})
	if err != nil {
		t.Fatal(err)
	}
	fromClient, err := network.NewChannel(b, true, network.Options{Registry: regServer})
	if err != nil {
		t.Fatal(err)
	}

	serverEngine := rpc.NewEngine(rpc.Options{Timeout: 2 * time.Second})
	serverEngine.Bind(regServer)
	RegisterRPC(serverEngine.Handlers(), e)
	clientEngine := rpc.NewEngine(rpc.Options{Timeout: 2 * time.Second})
	clientEngine.Bind(regClient)
	t.Cleanup(func() {
		_ = toServer.Close()
		_ = fromClient.Close()
		serverEngine.Close()
		clientEngine.Close()
	})

	remote := NewRemoteDatabase(clientEngine, toServer)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := remote.Count(ctx, "ghost"); !errors.Is(err, domain.ErrDatabaseNotFound) {
		t.Errorf("Count(missing database) error = %v, want ErrDatabaseNotFound", err)
	}
	if ok, _ := e.ContainsDatabase("ghost"); ok {
		t.Error("remote read created a database")
	}

	if err := remote.Insert(ctx, "players", "alice", Document(`{"coins":5}`)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	doc, ok, err := remote.Get(ctx, "players", "alice")
	if err != nil || !ok || string(doc) != `{"coins":5}` {
		t.Fatalf("Get = (%s, %v, %v)", doc, ok, err)
	}
	if _, ok, err := remote.Get(ctx, "players", "bob"); err != nil || ok {
		t.Errorf("Get(missing) = (%v, %v), want (false, nil)", ok, err)
	}
	if ok, err := remote.Contains(ctx, "players", "alice"); err != nil || !ok {
		t.Errorf("Contains = (%v, %v)", ok, err)
	}

	names, err := remote.Names(ctx)
	if err != nil || !slices.Equal(names, []string{"players"}) {
		t.Errorf("Names = (%v, %v)", names, err)
	}
	keys, err := remote.Keys(ctx, "players")
	if err != nil || !slices.Equal(keys, []string{"alice"}) {
		t.Errorf("Keys = (%v, %v)", keys, err)
	}
	docs, err := remote.Documents(ctx, "players")
	if err != nil || string(docs["alice"]) != `{"coins":5}` {
		t.Errorf("Documents = (%v, %v)", docs, err)
	}
	entries, err := remote.Chunk(ctx, "players", 0, 10)
	if err != nil || len(entries) != 1 || entries[0].Key != "alice" {
		t.Errorf("Chunk = (%v, %v)", entries, err)
	}

	if removed, err := remote.Delete(ctx, "players", "alice"); err != nil || !removed {
		t.Errorf("Delete = (%v, %v)", removed, err)
	}
	if err := remote.Clear(ctx, "players"); err != nil {
		t.Errorf("Clear failed: %v", err)
	}
	if deleted, err := remote.DeleteDatabase(ctx, "players"); err != nil || !deleted {
		t.Errorf("DeleteDatabase = (%v, %v)", deleted, err)
	}
	if ok, err := remote.ContainsDatabase(ctx, "players"); err != nil || ok {
		t.Errorf("ContainsDatabase after delete = (%v, %v)", ok, err)
	}
}
