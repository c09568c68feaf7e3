package storage

import (
	"context"
	"errors"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
	"github.com/iknow13/CloudNet-v3/internal/network"
	"github.com/iknow13/CloudNet-v3/internal/rpc"
)

// Contract is the RPC contract name of the database provider.
const Contract = "DatabaseProvider"

// RegisterRPC binds e to the database provider contract. Reads of a
// database that does not exist fail with ErrDatabaseNotFound instead of
// creating it.
func RegisterRPC(reg *rpc.HandlerRegistry, e *Engine) {
	rpc.Register0(reg, Contract, "names", func(context.Context) ([]string, error) {
		return e.Names()
	})
	rpc.Register1(reg, Contract, "containsDatabase", func(_ context.Context, name string) (bool, error) {
		return e.ContainsDatabase(name)
	})
	rpc.Register1(reg, Contract, "deleteDatabase", func(_ context.Context, name string) (bool, error) {
		return e.DeleteDatabase(name)
	})

	rpc.RegisterVoid2(reg, Contract, "insert", func(_ context.Context, name string, entry Entry) error {
		db, err := e.Database(name)
		if err != nil {
			return err
		}
		return db.Insert(entry.Key, entry.Document)
	})
	rpc.Register2(reg, Contract, "get", func(_ context.Context, name, key string) (Document, error) {
		db, err := e.Lookup(name)
		if err != nil {
			return nil, err
		}
		doc, ok, err := db.Get(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.ErrDocumentNotFound.WithDetailsf("%s/%s", name, key)
		}
		return doc, nil
	})
	rpc.Register2(reg, Contract, "contains", func(_ context.Context, name, key string) (bool, error) {
		db, err := e.Lookup(name)
		if err != nil {
			return false, err
		}
		return db.Contains(key)
	})
	rpc.Register2(reg, Contract, "delete", func(_ context.Context, name, key string) (bool, error) {
		db, err := e.Lookup(name)
		if err != nil {
			return false, err
		}
		return db.Delete(key)
	})
	rpc.Register1(reg, Contract, "keys", func(_ context.Context, name string) ([]string, error) {
		db, err := e.Lookup(name)
		if err != nil {
			return nil, err
		}
		return db.Keys()
	})
	rpc.Register1(reg, Contract, "documents", func(_ context.Context, name string) (map[string]Document, error) {
		db, err := e.Lookup(name)
		if err != nil {
			return nil, err
		}
		return db.Documents()
	})
	rpc.Register3(reg, Contract, "chunk", func(_ context.Context, name string, offset, limit int) ([]Entry, error) {
		db, err := e.Lookup(name)
		if err != nil {
			return nil, err
		}
		return db.Chunk(offset, limit)
	})
	rpc.Register1(reg, Contract, "count", func(_ context.Context, name string) (int, error) {
		db, err := e.Lookup(name)
		if err != nil {
			return 0, err
		}
		return db.Count()
	})
	rpc.RegisterVoid1(reg, Contract, "clear", func(_ context.Context, name string) error {
		db, err := e.Lookup(name)
		if err != nil {
			return err
		}
		return db.Clear()
	})
}

// RemoteDatabase calls the database provider of the node behind a channel.
type RemoteDatabase struct {
	sender *rpc.Sender
	ch     network.Channel
}

// NewRemoteDatabase returns a client for the node at the other end of ch.
func NewRemoteDatabase(e *rpc.Engine, ch network.Channel) *RemoteDatabase {
	return &RemoteDatabase{sender: rpc.NewSender(e, Contract), ch: ch}
}

// Names returns the database names of the remote node.
func (r *RemoteDatabase) Names(ctx context.Context) ([]string, error) {
	return rpc.FireSync[[]string](ctx, r.sender.Invoke("names"), r.ch)
}

// ContainsDatabase reports whether the remote node has a database called name.
func (r *RemoteDatabase) ContainsDatabase(ctx context.Context, name string) (bool, error) {
	return rpc.FireSync[bool](ctx, r.sender.Invoke("containsDatabase", rpc.Arg(name)), r.ch)
}

// DeleteDatabase drops a remote database.
func (r *RemoteDatabase) DeleteDatabase(ctx context.Context, name string) (bool, error) {
	return rpc.FireSync[bool](ctx, r.sender.Invoke("deleteDatabase", rpc.Arg(name)), r.ch)
}

// Insert stores doc under key in the remote database, creating it if needed.
func (r *RemoteDatabase) Insert(ctx context.Context, name, key string, doc Document) error {
	_, err := r.sender.Invoke("insert", rpc.Arg(name), rpc.Arg(Entry{Key: key, Document: doc})).FireSyncRaw(ctx, r.ch)
	return err
}

// Get returns a remote document. A missing document is reported as false.
func (r *RemoteDatabase) Get(ctx context.Context, name, key string) (Document, bool, error) {
	doc, err := rpc.FireSync[Document](ctx, r.sender.Invoke("get", rpc.Arg(name), rpc.Arg(key)), r.ch)
	if errors.Is(err, domain.ErrDocumentNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// Contains reports whether the remote database holds key.
func (r *RemoteDatabase) Contains(ctx context.Context, name, key string) (bool, error) {
	return rpc.FireSync[bool](ctx, r.sender.Invoke("contains", rpc.Arg(name), rpc.Arg(key)), r.ch)
}

// Delete removes a remote document.
func (r *RemoteDatabase) Delete(ctx context.Context, name, key string) (bool, error) {
	return rpc.FireSync[bool](ctx, r.sender.Invoke("delete", rpc.Arg(name), rpc.Arg(key)), r.ch)
}

// Keys returns the document keys of a remote database.
func (r *RemoteDatabase) Keys(ctx context.Context, name string) ([]string, error) {
	return rpc.FireSync[[]string](ctx, r.sender.Invoke("keys", rpc.Arg(name)), r.ch)
}

// Documents returns every document of a remote database.
func (r *RemoteDatabase) Documents(ctx context.Context, name string) (map[string]Document, error) {
	return rpc.FireSync[map[string]Document](ctx, r.sender.Invoke("documents", rpc.Arg(name)), r.ch)
}

// Chunk returns one page of a remote database.
func (r *RemoteDatabase) Chunk(ctx context.Context, name string, offset, limit int) ([]Entry, error) {
	return rpc.FireSync[[]Entry](ctx, r.sender.Invoke("chunk", rpc.Arg(name), rpc.Arg(offset), rpc.Arg(limit)), r.ch)
}

// Count returns the number of documents in a remote database.
func (r *RemoteDatabase) Count(ctx context.Context, name string) (int, error) {
	return rpc.FireSync[int](ctx, r.sender.Invoke("count", rpc.Arg(name)), r.ch)
}

// Clear removes every document of a remote database.
func (r *RemoteDatabase) Clear(ctx context.Context, name string) error {
	_, err := r.sender.Invoke("clear", rpc.Arg(name)).FireSyncRaw(ctx, r.ch)
	return err
}
