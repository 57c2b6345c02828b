// Package store persists the scheduling core's documents in BoltDB, one
// bucket per collection, JSON-encoded, keyed by _id. It deliberately does
// not implement an aggregation pipeline: the HTTP query surface that
// exposes $match/$project/... is a collaborator out of this core's scope
// (spec §1); this package only needs read-modify-write-by-id and a small
// set of predicate scans the scheduler/worker/janitor actually perform.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/curious-containers/ccserver/internal/ccmodel"
)

var (
	bucketTasks                 = []byte(ccmodel.CollectionTasks)
	bucketTaskGroups             = []byte(ccmodel.CollectionTaskGroups)
	bucketApplicationContainers = []byte(ccmodel.CollectionApplicationContainers)
	bucketDataContainers        = []byte(ccmodel.CollectionDataContainers)
	bucketNodes                 = []byte(ccmodel.CollectionNodes)
	bucketDeadNodes              = []byte(ccmodel.CollectionDeadNodes)
)

var allBuckets = [][]byte{
	bucketTasks, bucketTaskGroups, bucketApplicationContainers,
	bucketDataContainers, bucketNodes, bucketDeadNodes,
}

// Store wraps a BoltDB database holding all document collections.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at path and ensures all
// collection buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

func put(tx *bolt.Tx, bucket []byte, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, id, err)
	}
	return tx.Bucket(bucket).Put([]byte(id), data)
}

func get[T any](tx *bolt.Tx, bucket []byte, id string) (T, bool, error) {
	var doc T
	v := tx.Bucket(bucket).Get([]byte(id))
	if v == nil {
		return doc, false, nil
	}
	if err := json.Unmarshal(v, &doc); err != nil {
		return doc, false, fmt.Errorf("unmarshal %s/%s: %w", bucket, id, err)
	}
	return doc, true, nil
}

func forEach[T any](tx *bolt.Tx, bucket []byte, fn func(id string, doc T) error) error {
	c := tx.Bucket(bucket).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var doc T
		if err := json.Unmarshal(v, &doc); err != nil {
			continue
		}
		if err := fn(string(k), doc); err != nil {
			return err
		}
	}
	return nil
}

// --- Tasks ---

func (s *Store) InsertTask(t ccmodel.Task) (string, error) {
	if t.ID == "" {
		t.ID = NewID()
	}
	return t.ID, s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketTasks, t.ID, t) })
}

func (s *Store) GetTask(id string) (ccmodel.Task, bool, error) {
	var t ccmodel.Task
	var found bool
	err := s.db.View(func(tx *bolt.Tx) (err error) {
		t, found, err = get[ccmodel.Task](tx, bucketTasks, id)
		return err
	})
	return t, found, err
}

// UpdateTask performs a read-modify-write of task id under a single bolt
// transaction. fn mutates t in place; if it returns an error the write is
// discarded.
func (s *Store) UpdateTask(id string, fn func(t *ccmodel.Task) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		t, found, err := get[ccmodel.Task](tx, bucketTasks, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("task %s not found", id)
		}
		if err := fn(&t); err != nil {
			return err
		}
		return put(tx, bucketTasks, id, t)
	})
}

// ListTasksByState returns tasks in the given state, ordered by creation
// (bucket key order == insertion order, see NewID).
func (s *Store) ListTasksByState(state ccmodel.State) ([]ccmodel.Task, error) {
	var out []ccmodel.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketTasks, func(_ string, t ccmodel.Task) error {
			if t.State == state {
				out = append(out, t)
			}
			return nil
		})
	})
	return out, err
}

// --- TaskGroups ---

func (s *Store) InsertTaskGroup(g ccmodel.TaskGroup) (string, error) {
	if g.ID == "" {
		g.ID = NewID()
	}
	return g.ID, s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketTaskGroups, g.ID, g) })
}

func (s *Store) GetTaskGroup(id string) (ccmodel.TaskGroup, bool, error) {
	var g ccmodel.TaskGroup
	var found bool
	err := s.db.View(func(tx *bolt.Tx) (err error) {
		g, found, err = get[ccmodel.TaskGroup](tx, bucketTaskGroups, id)
		return err
	})
	return g, found, err
}

func (s *Store) UpdateTaskGroup(id string, fn func(g *ccmodel.TaskGroup) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		g, found, err := get[ccmodel.TaskGroup](tx, bucketTaskGroups, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("task group %s not found", id)
		}
		if err := fn(&g); err != nil {
			return err
		}
		return put(tx, bucketTaskGroups, id, g)
	})
}

func (s *Store) ListNonTerminalTaskGroups() ([]ccmodel.TaskGroup, error) {
	var out []ccmodel.TaskGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketTaskGroups, func(_ string, g ccmodel.TaskGroup) error {
			if !g.State.Terminal() {
				out = append(out, g)
			}
			return nil
		})
	})
	return out, err
}

// --- ApplicationContainers ---

func (s *Store) InsertApplicationContainer(ac ccmodel.ApplicationContainer) (string, error) {
	if ac.ID == "" {
		ac.ID = NewID()
	}
	return ac.ID, s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketApplicationContainers, ac.ID, ac) })
}

func (s *Store) GetApplicationContainer(id string) (ccmodel.ApplicationContainer, bool, error) {
	var ac ccmodel.ApplicationContainer
	var found bool
	err := s.db.View(func(tx *bolt.Tx) (err error) {
		ac, found, err = get[ccmodel.ApplicationContainer](tx, bucketApplicationContainers, id)
		return err
	})
	return ac, found, err
}

func (s *Store) UpdateApplicationContainer(id string, fn func(ac *ccmodel.ApplicationContainer) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ac, found, err := get[ccmodel.ApplicationContainer](tx, bucketApplicationContainers, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("application container %s not found", id)
		}
		if err := fn(&ac); err != nil {
			return err
		}
		return put(tx, bucketApplicationContainers, id, ac)
	})
}

func (s *Store) DeleteApplicationContainer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApplicationContainers).Delete([]byte(id))
	})
}

func (s *Store) ListApplicationContainers(filter func(ccmodel.ApplicationContainer) bool) ([]ccmodel.ApplicationContainer, error) {
	var out []ccmodel.ApplicationContainer
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketApplicationContainers, func(_ string, ac ccmodel.ApplicationContainer) error {
			if filter == nil || filter(ac) {
				out = append(out, ac)
			}
			return nil
		})
	})
	return out, err
}

// --- DataContainers ---

func (s *Store) InsertDataContainer(dc ccmodel.DataContainer) (string, error) {
	if dc.ID == "" {
		dc.ID = NewID()
	}
	return dc.ID, s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketDataContainers, dc.ID, dc) })
}

func (s *Store) GetDataContainer(id string) (ccmodel.DataContainer, bool, error) {
	var dc ccmodel.DataContainer
	var found bool
	err := s.db.View(func(tx *bolt.Tx) (err error) {
		dc, found, err = get[ccmodel.DataContainer](tx, bucketDataContainers, id)
		return err
	})
	return dc, found, err
}

func (s *Store) UpdateDataContainer(id string, fn func(dc *ccmodel.DataContainer) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		dc, found, err := get[ccmodel.DataContainer](tx, bucketDataContainers, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("data container %s not found", id)
		}
		if err := fn(&dc); err != nil {
			return err
		}
		return put(tx, bucketDataContainers, id, dc)
	})
}

func (s *Store) DeleteDataContainer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDataContainers).Delete([]byte(id))
	})
}

func (s *Store) ListDataContainers(filter func(ccmodel.DataContainer) bool) ([]ccmodel.DataContainer, error) {
	var out []ccmodel.DataContainer
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketDataContainers, func(_ string, dc ccmodel.DataContainer) error {
			if filter == nil || filter(dc) {
				out = append(out, dc)
			}
			return nil
		})
	})
	return out, err
}

// --- Nodes ---

func (s *Store) UpsertNode(n ccmodel.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketNodes, n.Name, n) })
}

func (s *Store) GetNode(name string) (ccmodel.Node, bool, error) {
	var n ccmodel.Node
	var found bool
	err := s.db.View(func(tx *bolt.Tx) (err error) {
		n, found, err = get[ccmodel.Node](tx, bucketNodes, name)
		return err
	})
	return n, found, err
}

func (s *Store) ListNodes() ([]ccmodel.Node, error) {
	var out []ccmodel.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketNodes, func(_ string, n ccmodel.Node) error {
			out = append(out, n)
			return nil
		})
	})
	return out, err
}

func (s *Store) ListOnlineNodes() ([]ccmodel.Node, error) {
	nodes, err := s.ListNodes()
	if err != nil {
		return nil, err
	}
	online := nodes[:0]
	for _, n := range nodes {
		if n.IsOnline {
			online = append(online, n)
		}
	}
	return online, nil
}

// --- DeadNodes ---

// UpsertDeadNode records a node as dead. Only the NodeInspector should
// call this.
func (s *Store) UpsertDeadNode(d ccmodel.DeadNode) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketDeadNodes, d.Name, d) })
}

// DeleteDeadNode removes a node's dead record (revival). Only the
// NodeInspector should call this.
func (s *Store) DeleteDeadNode(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadNodes).Delete([]byte(name))
	})
}

func (s *Store) IsDeadNode(name string) (bool, error) {
	var dead bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDeadNodes).Get([]byte(name))
		dead = v != nil
		return nil
	})
	return dead, err
}

func (s *Store) ListDeadNodes() ([]ccmodel.DeadNode, error) {
	var out []ccmodel.DeadNode
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketDeadNodes, func(_ string, d ccmodel.DeadNode) error {
			out = append(out, d)
			return nil
		})
	})
	return out, err
}
