package dag

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"restack/internal/backend"
)

// NodeCache is a persistent second-level cache of commit nodes, so a new
// process does not have to re-read every commit object from the backend.
type NodeCache interface {
	Get(id backend.ID) (*Node, bool)
	Put(n *Node) error
	Close() error
}

// BadgerConfig configures the badger-backed node cache.
type BadgerConfig struct {
	// Path is the cache directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps the cache in RAM only (tests).
	InMemory bool
	// SyncWrites forces an fsync per write. Off by default: the cache is
	// rebuildable from the backend.
	SyncWrites bool
	Logger     *logrus.Logger
}

// DefaultBadgerConfig returns the on-disk configuration for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path}
}

// InMemoryBadgerConfig returns a configuration for a RAM-only cache.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// BadgerCache stores nodes under "node/<id>".
type BadgerCache struct {
	db *badger.DB
}

var _ NodeCache = (*BadgerCache)(nil)

type cachedNode struct {
	Parents []backend.ID `json:"p"`
	Time    int64        `json:"t"`
}

// OpenBadgerCache opens the node cache.
func OpenBadgerCache(cfg BadgerConfig) (*BadgerCache, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("node cache path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(cfg.Logger.WithField("component", "nodecache"))
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening node cache: %w", err)
	}
	return &BadgerCache{db: db}, nil
}

func nodeKey(id backend.ID) []byte {
	return []byte("node/" + string(id))
}

// Get returns a cached node. Decode failures count as a miss.
func (c *BadgerCache) Get(id backend.ID) (*Node, bool) {
	var n *Node
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var cn cachedNode
			if err := json.Unmarshal(val, &cn); err != nil {
				return err
			}
			n = &Node{ID: id, Parents: cn.Parents, Time: time.Unix(0, cn.Time).UTC()}
			return nil
		})
	})
	if err != nil {
		return nil, false
	}
	return n, true
}

// Put stores a node. Boundary flags are not persisted; they depend on what
// else is loadable.
func (c *BadgerCache) Put(n *Node) error {
	val, err := json.Marshal(cachedNode{Parents: n.Parents, Time: n.Time.UnixNano()})
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nodeKey(n.ID), val)
	})
}

// Close closes the underlying badger database.
func (c *BadgerCache) Close() error {
	return c.db.Close()
}
