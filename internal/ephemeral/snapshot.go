package ephemeral

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ephemeral: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("ephemeral: CBOR decoder initialization failed: " + err.Error())
	}
}

// Snapshot is an immutable copy of the subtree at a path, held as deterministic CBOR.
// Equal trees always encode to equal bytes.
type Snapshot struct {
	path Path
	data []byte
}

// NewSnapshot encodes value as the subtree at path. Used by stores and tests.
func NewSnapshot(path Path, value any) (Snapshot, error) {
	normalized, err := normalizeValue(value)
	if err != nil {
		return Snapshot{}, err
	}
	return encodeSnapshot(path, normalized)
}

func encodeSnapshot(path Path, tree any) (Snapshot, error) {
	if tree == nil {
		return Snapshot{path: path}, nil
	}
	data, err := encMode.Marshal(tree)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return Snapshot{path: path, data: data}, nil
}

// Path returns the location of the subtree.
func (s Snapshot) Path() Path { return s.path }

// Key returns the last segment of the snapshot path.
func (s Snapshot) Key() string { return s.path.Key() }

// Exists reports whether any value is stored at the path.
func (s Snapshot) Exists() bool { return len(s.data) > 0 }

// Bytes exposes the encoded subtree.
func (s Snapshot) Bytes() []byte { return s.data }

// Equal reports whether two snapshots hold the same tree.
func (s Snapshot) Equal(other Snapshot) bool {
	return bytes.Equal(s.data, other.data)
}

// Decode unmarshals the subtree into target. Missing snapshots leave target untouched.
func (s Snapshot) Decode(target any) error {
	if !s.Exists() {
		return nil
	}
	return decMode.Unmarshal(s.data, target)
}

// Value decodes the subtree into plain maps and scalars.
func (s Snapshot) Value() (any, error) {
	if !s.Exists() {
		return nil, nil
	}
	var value any
	if err := decMode.Unmarshal(s.data, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// Children splits a map subtree into one snapshot per key, sorted by key. Scalars and
// missing subtrees have no children.
func (s Snapshot) Children() []Snapshot {
	if !s.Exists() {
		return nil
	}
	var raw map[string]cbor.RawMessage
	if err := decMode.Unmarshal(s.data, &raw); err != nil {
		return nil
	}
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	children := make([]Snapshot, 0, len(keys))
	for _, key := range keys {
		children = append(children, Snapshot{path: s.path.Child(key), data: []byte(raw[key])})
	}
	return children
}

// Child returns the snapshot of a direct child key.
func (s Snapshot) Child(key string) Snapshot {
	for _, child := range s.Children() {
		if child.Key() == key {
			return child
		}
	}
	return Snapshot{path: s.path.Child(key)}
}

// DecodeChildren decodes every child of a map snapshot into T. Children that fail to
// decode are reported separately so callers can skip and log them.
func DecodeChildren[T any](snapshot Snapshot) (map[string]T, map[string]error) {
	decoded := make(map[string]T)
	var failures map[string]error
	for _, child := range snapshot.Children() {
		var value T
		if err := child.Decode(&value); err != nil {
			if failures == nil {
				failures = make(map[string]error)
			}
			failures[child.Key()] = err
			continue
		}
		decoded[child.Key()] = value
	}
	return decoded, failures
}

// normalizeValue converts an arbitrary Go value into the tree representation
// (map[string]any nodes and scalar leaves) by round-tripping it through CBOR. Empty
// maps collapse to nil the way a realtime tree drops empty nodes.
func normalizeValue(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	data, err := encMode.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	var tree any
	if err := decMode.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return pruneEmpty(tree), nil
}

func pruneEmpty(value any) any {
	node, ok := value.(map[string]any)
	if !ok {
		return value
	}
	for key, child := range node {
		pruned := pruneEmpty(child)
		if pruned == nil {
			delete(node, key)
			continue
		}
		node[key] = pruned
	}
	if len(node) == 0 {
		return nil
	}
	return node
}
