// Package registry is the durable, single-writer record of every
// container known to this host. It is backed by a single bbolt bucket
// holding one versioned JSON document, read and rewritten atomically on
// every mutation — acceptable because all writers originate in one
// process (§4.2).
package registry

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/agentpool/pkg/types"
)

const (
	currentVersion = 1
	dbFileName     = "agentpool.db"
	bucketName     = "registry"
	documentKey    = "doc"
)

// document is the single value stored under documentKey. Version allows
// future schema migrations without breaking existing data; an unknown
// version is treated as an empty registry rather than a crash.
type document struct {
	Version    int                                `json:"version"`
	Containers map[string]*types.ContainerRecord `json:"containers"`
}

func newDocument() *document {
	return &document{Version: currentVersion, Containers: make(map[string]*types.ContainerRecord)}
}

// Registry is the durable container registry, keyed by container name.
type Registry struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the registry database under dataDir.
func Open(dataDir string) (*Registry, error) {
	path := filepath.Join(dataDir, dbFileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		if err != nil {
			return fmt.Errorf("registry: create bucket: %w", err)
		}
		if b.Get([]byte(documentKey)) != nil {
			return nil
		}
		data, err := json.Marshal(newDocument())
		if err != nil {
			return err
		}
		return b.Put([]byte(documentKey), data)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Registry{db: db}, nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) read(tx *bolt.Tx) (*document, error) {
	b := tx.Bucket([]byte(bucketName))
	raw := b.Get([]byte(documentKey))
	if raw == nil {
		return newDocument(), nil
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return newDocument(), nil
	}
	if doc.Version != currentVersion {
		return newDocument(), nil
	}
	if doc.Containers == nil {
		doc.Containers = make(map[string]*types.ContainerRecord)
	}
	return &doc, nil
}

func (r *Registry) write(tx *bolt.Tx, doc *document) error {
	b := tx.Bucket([]byte(bucketName))
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("registry: marshal document: %w", err)
	}
	return b.Put([]byte(documentKey), data)
}

// Upsert inserts or replaces a container record by name.
func (r *Registry) Upsert(rec *types.ContainerRecord) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		doc, err := r.read(tx)
		if err != nil {
			return err
		}
		doc.Containers[rec.Name] = rec.Clone()
		return r.write(tx, doc)
	})
}

// RemoveByName deletes a container record. Idempotent: removing an
// unknown name is not an error.
func (r *Registry) RemoveByName(name string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		doc, err := r.read(tx)
		if err != nil {
			return err
		}
		delete(doc.Containers, name)
		return r.write(tx, doc)
	})
}

// GetByName returns the record for name, or (nil, nil) if absent.
func (r *Registry) GetByName(name string) (*types.ContainerRecord, error) {
	var out *types.ContainerRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		doc, err := r.read(tx)
		if err != nil {
			return err
		}
		if rec, ok := doc.Containers[name]; ok {
			out = rec.Clone()
		}
		return nil
	})
	return out, err
}

// GetBySession returns the container mapped to a session key, or (nil,
// nil) if none.
func (r *Registry) GetBySession(sessionKey string) (*types.ContainerRecord, error) {
	var out *types.ContainerRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		doc, err := r.read(tx)
		if err != nil {
			return err
		}
		for _, rec := range doc.Containers {
			if rec.SessionKey == sessionKey {
				out = rec.Clone()
				return nil
			}
		}
		return nil
	})
	return out, err
}

// List returns every record.
func (r *Registry) List() ([]*types.ContainerRecord, error) {
	return r.filter(func(*types.ContainerRecord) bool { return true })
}

// ListByAgent returns every record assigned to agentID.
func (r *Registry) ListByAgent(agentID string) ([]*types.ContainerRecord, error) {
	return r.filter(func(rec *types.ContainerRecord) bool { return rec.AgentID == agentID })
}

// ListWarm returns every unassigned, idle record.
func (r *Registry) ListWarm() ([]*types.ContainerRecord, error) {
	return r.filter(func(rec *types.ContainerRecord) bool { return rec.IsWarm() })
}

// ListIdleExceeding returns idle records whose last heartbeat is older
// than d.
func (r *Registry) ListIdleExceeding(d time.Duration) ([]*types.ContainerRecord, error) {
	cutoff := time.Now().Add(-d)
	return r.filter(func(rec *types.ContainerRecord) bool {
		return rec.Status == types.StatusIdle && rec.LastHeartbeat.Before(cutoff)
	})
}

// ListOlderThan returns records created more than age ago.
func (r *Registry) ListOlderThan(age time.Duration) ([]*types.ContainerRecord, error) {
	cutoff := time.Now().Add(-age)
	return r.filter(func(rec *types.ContainerRecord) bool { return rec.CreatedAt.Before(cutoff) })
}

// ListStale returns idle or running records whose heartbeat is older than
// threshold.
func (r *Registry) ListStale(threshold time.Duration) ([]*types.ContainerRecord, error) {
	cutoff := time.Now().Add(-threshold)
	return r.filter(func(rec *types.ContainerRecord) bool {
		if rec.Status != types.StatusIdle && rec.Status != types.StatusRunning {
			return false
		}
		return rec.LastHeartbeat.Before(cutoff)
	})
}

func (r *Registry) filter(pred func(*types.ContainerRecord) bool) ([]*types.ContainerRecord, error) {
	var out []*types.ContainerRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		doc, err := r.read(tx)
		if err != nil {
			return err
		}
		for _, rec := range doc.Containers {
			if pred(rec) {
				out = append(out, rec.Clone())
			}
		}
		return nil
	})
	return out, err
}

// AssignToSession moves a warm container into service: sets its session
// key and agent id. Its status is left unchanged.
func (r *Registry) AssignToSession(name, sessionKey, agentID string) error {
	return r.mutate(name, func(rec *types.ContainerRecord) {
		rec.SessionKey = sessionKey
		rec.AgentID = agentID
	})
}

// Unassign clears a container's session mapping, resumable-session id,
// and turn count, and marks it idle — restoring it to warm-pool shape.
func (r *Registry) Unassign(name string) error {
	return r.mutate(name, func(rec *types.ContainerRecord) {
		rec.SessionKey = ""
		rec.ResumableSessionID = ""
		rec.TurnCount = 0
		rec.Status = types.StatusIdle
	})
}

// TouchHeartbeat updates the last-heartbeat timestamp and optionally the
// resumable-session id and turn count.
func (r *Registry) TouchHeartbeat(name string, resumableSessionID *string, turnCount *int) error {
	return r.mutate(name, func(rec *types.ContainerRecord) {
		rec.LastHeartbeat = time.Now()
		if resumableSessionID != nil {
			rec.ResumableSessionID = *resumableSessionID
		}
		if turnCount != nil {
			rec.TurnCount = *turnCount
		}
	})
}

// SetStatus updates a container's status and bumps its heartbeat.
func (r *Registry) SetStatus(name string, status types.ContainerStatus) error {
	return r.mutate(name, func(rec *types.ContainerRecord) {
		rec.Status = status
		rec.LastHeartbeat = time.Now()
	})
}

// mutate applies fn to the named record inside a single read-modify-write
// transaction. Mutating an unknown name is a no-op, matching the
// idempotence required of every operation but upsert.
func (r *Registry) mutate(name string, fn func(*types.ContainerRecord)) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		doc, err := r.read(tx)
		if err != nil {
			return err
		}
		rec, ok := doc.Containers[name]
		if !ok {
			return nil
		}
		fn(rec)
		return r.write(tx, doc)
	})
}

// Reconcile removes every record whose name is not present in
// existingNamesFromRuntime, returning the names removed.
func (r *Registry) Reconcile(existingNamesFromRuntime map[string]bool) ([]string, error) {
	var removed []string
	err := r.db.Update(func(tx *bolt.Tx) error {
		doc, err := r.read(tx)
		if err != nil {
			return err
		}
		for name := range doc.Containers {
			if !existingNamesFromRuntime[name] {
				removed = append(removed, name)
				delete(doc.Containers, name)
			}
		}
		return r.write(tx, doc)
	})
	return removed, err
}
