package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flowsync-dev/flowsync/pkg/storage"
)

// Path is the storage path of the ledger within a customer namespace.
const Path = ".flowsync/hashes.yaml"

// Digest returns the hex-encoded sha256 of content. This is the only hash
// the engine ever compares; the ledger knows nothing about entities, only
// raw bytes.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Ledger is the persisted map of canonical workspace path to content
// digest. An entry exists for a path iff that path was read or written
// during the most recent pull or push.
type Ledger struct {
	entries map[string]string
}

func New() *Ledger {
	return &Ledger{entries: map[string]string{}}
}

// Load reads the ledger for a namespace. A missing ledger file is not an
// error; it yields an empty ledger (first pull).
func Load(ctx context.Context, st storage.Storage) (*Ledger, error) {
	data, err := st.Read(ctx, Path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return New(), nil
		}
		return nil, fmt.Errorf("failed to read hash ledger: %w", err)
	}
	entries := map[string]string{}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("hash ledger is malformed: %w", err)
	}
	return &Ledger{entries: entries}, nil
}

// Save overwrites the persisted ledger atomically.
func (l *Ledger) Save(ctx context.Context, st storage.Storage) error {
	data, err := yaml.Marshal(l.entries)
	if err != nil {
		return fmt.Errorf("failed to marshal hash ledger: %w", err)
	}
	if err := st.Write(ctx, Path, data); err != nil {
		return fmt.Errorf("failed to write hash ledger: %w", err)
	}
	return nil
}

func (l *Ledger) Get(path string) (string, bool) {
	d, ok := l.entries[path]
	return d, ok
}

func (l *Ledger) Set(path, digest string) {
	l.entries[path] = digest
}

func (l *Ledger) Delete(path string) {
	delete(l.entries, path)
}

// DeletePrefix removes every entry under the given path prefix. Used when
// an entity directory is removed.
func (l *Ledger) DeletePrefix(prefix string) {
	for p := range l.entries {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			delete(l.entries, p)
		}
	}
}

// Paths returns the tracked paths in sorted order.
func (l *Ledger) Paths() []string {
	paths := make([]string, 0, len(l.entries))
	for p := range l.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (l *Ledger) Len() int {
	return len(l.entries)
}
