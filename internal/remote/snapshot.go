package remote

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// Snapshot maps every path under a store's root to its revision. Stores
// without a native change feed encode a snapshot as their cursor and
// compute change batches by diffing two snapshots.
type Snapshot map[string]string

// Cursor encodes the snapshot as an opaque cursor.
func (s Snapshot) Cursor() (Cursor, error) {
	if s == nil {
		s = Snapshot{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return Cursor(base64.RawURLEncoding.EncodeToString(data)), nil
}

// DecodeSnapshot is the inverse of Snapshot.Cursor. A cursor that does not
// decode fails with KindMalformed.
func DecodeSnapshot(c Cursor) (Snapshot, error) {
	data, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return nil, NewError("decode_cursor", "", KindMalformed, err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, NewError("decode_cursor", "", KindMalformed, err)
	}
	if s == nil {
		s = Snapshot{}
	}
	return s, nil
}

// Diff returns the changes that turn s into next, sorted by path.
func (s Snapshot) Diff(next Snapshot) []Change {
	var changes []Change
	for path, rev := range next {
		if old, ok := s[path]; !ok || old != rev {
			changes = append(changes, Change{Path: path, Revision: rev})
		}
	}
	for path := range s {
		if _, ok := next[path]; !ok {
			changes = append(changes, Change{Path: path, Deleted: true})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}
