// Package nameregistry implements the toolkit's container registry entry
// test facility: a small `network -> name -> entry` table persisted as JSON
// at a well-known path, used by integration tests to record and look up the
// address a container was assigned on a given network without requiring a
// real DNS or service-discovery backend.
package nameregistry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
)

// Entry is one registered container's address on a network.
type Entry struct {
	Name      string `json:"name"`
	IPAddress string `json:"ipAddress"`
	Network   string `json:"network"`
}

// Registry is a mutex-guarded, disk-backed `network -> name -> Entry` table.
// Every mutation is followed by a full atomic rewrite of the backing file,
// mirroring the way Container.SaveState persists the container's own state
// document: the table is small and the test facility favors a simple,
// always-consistent-on-disk file over incremental updates.
type Registry struct {
	mu    sync.RWMutex
	path  string
	table map[string]map[string]Entry
}

// Open loads the registry at path, creating an empty in-memory table if the
// file does not exist yet (it is created on the first Register).
func Open(path string) (*Registry, error) {
	r := &Registry{path: path, table: make(map[string]map[string]Entry)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrState, "nameregistry.open", path)
	}
	if len(data) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(data, &r.table); err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrParse, "nameregistry.open", path)
	}
	if r.table == nil {
		r.table = make(map[string]map[string]Entry)
	}
	return r, nil
}

// Register adds or replaces the entry for entry.Network/entry.Name and
// persists the table. Network and Name must both be non-empty.
func (r *Registry) Register(entry Entry) error {
	if entry.Network == "" || entry.Name == "" {
		return cerrors.New(cerrors.ErrInvalidConfig, "nameregistry.register", "network and name are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	names, ok := r.table[entry.Network]
	if !ok {
		names = make(map[string]Entry)
		r.table[entry.Network] = names
	}
	names[entry.Name] = entry

	return r.saveLocked()
}

// Lookup returns the entry registered for name on network, if any.
func (r *Registry) Lookup(network, name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names, ok := r.table[network]
	if !ok {
		return Entry{}, false
	}
	entry, ok := names[name]
	return entry, ok
}

// List returns every entry registered on network, in no particular order.
func (r *Registry) List(network string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.table[network]
	out := make([]Entry, 0, len(names))
	for _, entry := range names {
		out = append(out, entry)
	}
	return out
}

// Remove deletes the entry for name on network, if present, and persists
// the table. It is not an error to remove an entry that does not exist.
func (r *Registry) Remove(network, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	names, ok := r.table[network]
	if !ok {
		return nil
	}
	if _, ok := names[name]; !ok {
		return nil
	}
	delete(names, name)
	if len(names) == 0 {
		delete(r.table, network)
	}

	return r.saveLocked()
}

// saveLocked writes the table to r.path via a temp file in the same
// directory followed by an atomic rename. Callers must hold r.mu.
func (r *Registry) saveLocked() error {
	data, err := json.MarshalIndent(r.table, "", "  ")
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrParse, "nameregistry.save")
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrState, "nameregistry.save", dir)
	}

	tmp, err := os.CreateTemp(dir, ".nameregistry-*.tmp")
	if err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrState, "nameregistry.save", r.path)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return cerrors.Wrap(err, cerrors.ErrState, "nameregistry.save: write")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return cerrors.Wrap(err, cerrors.ErrState, "nameregistry.save: sync")
	}
	if err := tmp.Close(); err != nil {
		return cerrors.Wrap(err, cerrors.ErrState, "nameregistry.save: close")
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return cerrors.Wrap(err, cerrors.ErrState, "nameregistry.save: chmod")
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrState, "nameregistry.save: rename", r.path)
	}
	success = true
	return nil
}
