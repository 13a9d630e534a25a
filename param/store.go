package param

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/c360/nvbus/codec"
	"github.com/c360/nvbus/errors"
	"github.com/c360/nvbus/transport"
)

var validSegment = regexp.MustCompile(`^[-_=a-zA-Z0-9]+$`)

// ValidName reports whether s can name a node or a parameter path segment.
func ValidName(s string) bool { return validSegment.MatchString(s) }

// Entry is one parameter write for SetMany. An empty Node means the node
// passed to SetMany.
type Entry struct {
	Node        string
	Path        string
	Value       any
	Description string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store reads and writes parameters in one key/value bucket.
type Store struct {
	kv     transport.KeyValue
	logger *slog.Logger
}

// New creates a store on kv.
func New(kv transport.KeyValue, opts ...Option) (*Store, error) {
	if kv == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil key/value bucket"), "Store", "New", "validate bucket")
	}
	s := &Store{kv: kv, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "param")
	return s, nil
}

// splitPath validates node and a dot path and returns the path segments.
func splitPath(node, p string) ([]string, error) {
	if !validSegment.MatchString(node) {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: node %q", errors.ErrInvalidName, node),
			"Store", "splitPath", "validate node")
	}
	segs := strings.Split(p, ".")
	for _, seg := range segs {
		if !validSegment.MatchString(seg) {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: parameter path %q", errors.ErrInvalidName, p),
				"Store", "splitPath", "validate path")
		}
	}
	return segs, nil
}

func key(node string, segs []string) string {
	return node + "." + strings.Join(segs, ".")
}

type record struct {
	value       any
	description string
}

func encodeRecord(value any, description string) ([]byte, error) {
	value, err := codec.Normalize(value)
	if err != nil {
		return nil, err
	}
	var desc any
	if description != "" {
		desc = description
	}
	return codec.Encode(map[string]any{"value": value, "description": desc})
}

// decodeRecord also accepts a bare value written by a foreign client.
func decodeRecord(data []byte) (record, error) {
	v, err := codec.Decode(data)
	if err != nil {
		return record{}, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return record{value: v}, nil
	}
	value, ok := m["value"]
	if !ok {
		return record{value: v}, nil
	}
	desc, _ := m["description"].(string)
	return record{value: value, description: desc}, nil
}

// read returns the record at k. found is false for a missing key.
func (s *Store) read(ctx context.Context, k string) (rec record, found bool, err error) {
	data, err := s.kv.Get(ctx, k)
	if stderrors.Is(err, transport.ErrKeyNotFound) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, err
	}
	rec, err = decodeRecord(data)
	if err != nil {
		return record{}, false, errors.Wrap(err, "Store", "read", "decode "+k)
	}
	return rec, true, nil
}

// Get returns the value at node/path. It is, in order: the value stored
// under the exact key; the part of the nearest ancestor's mapping the path
// points into; or a mapping folded from every key below the path.
func (s *Store) Get(ctx context.Context, node, p string) (any, error) {
	segs, err := splitPath(node, p)
	if err != nil {
		return nil, err
	}
	notFound := &errors.ParameterNotFoundError{Node: node, Path: p}

	rec, found, err := s.read(ctx, key(node, segs))
	if err != nil {
		return nil, err
	}
	if found {
		return rec.value, nil
	}

	for i := len(segs) - 1; i >= 1; i-- {
		rec, found, err := s.read(ctx, key(node, segs[:i]))
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if v, ok := index(rec.value, segs[i:]); ok {
			return v, nil
		}
		return nil, notFound
	}

	tree, err := s.subtree(ctx, key(node, segs))
	if err != nil {
		return nil, err
	}
	if tree == nil {
		return nil, notFound
	}
	return tree, nil
}

// index walks segs into nested mappings.
func index(v any, segs []string) (any, bool) {
	for _, seg := range segs {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		if v, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return v, true
}

// subtree folds every key below prefix into a nested mapping, or nil when
// there are none.
func (s *Store) subtree(ctx context.Context, prefix string) (map[string]any, error) {
	keys, err := s.kv.Scan(ctx, prefix+".*")
	if err != nil {
		return nil, errors.Wrap(err, "Store", "subtree", "scan "+prefix)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	tree := map[string]any{}
	for _, k := range keys {
		rec, found, err := s.read(ctx, k)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		insert(tree, strings.Split(strings.TrimPrefix(k, prefix+"."), "."), rec.value)
	}
	if len(tree) == 0 {
		return nil, nil
	}
	return tree, nil
}

func insert(tree map[string]any, segs []string, value any) {
	for _, seg := range segs[:len(segs)-1] {
		next, ok := tree[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			tree[seg] = next
		}
		tree = next
	}
	last := segs[len(segs)-1]
	if _, isTree := tree[last].(map[string]any); isTree {
		// A subtree already folded here wins over a stale leaf.
		return
	}
	tree[last] = value
}

// Set stores value at node/path, verbatim. Afterwards the path holds
// exactly value and keys below it are deleted. When an ancestor key stores a
// mapping, value is written into that mapping in place and description is
// dropped; an ancestor holding anything else is removed.
func (s *Store) Set(ctx context.Context, node, p string, value any, description ...string) error {
	segs, err := splitPath(node, p)
	if err != nil {
		return err
	}
	data, err := encodeRecord(value, strings.Join(description, " "))
	if err != nil {
		return err
	}
	target := key(node, segs)

	for i := len(segs) - 1; i >= 1; i-- {
		done, err := s.setInAncestor(ctx, key(node, segs[:i]), segs[i:], value)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	if err := s.deleteBelow(ctx, target); err != nil {
		return err
	}
	if err := s.kv.Set(ctx, target, data); err != nil {
		return errors.Wrap(err, "Store", "Set", "write "+target)
	}
	return nil
}

var errNotMapping = stderrors.New("parameter is not a mapping")

// setInAncestor writes value at rel inside the mapping stored under k. It
// reports false when k is missing or held something else, which is then
// deleted.
func (s *Store) setInAncestor(ctx context.Context, k string, rel []string, value any) (bool, error) {
	err := s.kv.Modify(ctx, k, func(current []byte) ([]byte, error) {
		rec, err := decodeRecord(current)
		if err != nil {
			return nil, err
		}
		m, ok := rec.value.(map[string]any)
		if !ok {
			return nil, errNotMapping
		}
		put(m, rel, value)
		return encodeRecord(m, rec.description)
	})
	switch {
	case err == nil:
		return true, nil
	case stderrors.Is(err, transport.ErrKeyNotFound):
		return false, nil
	case stderrors.Is(err, errNotMapping):
		if err := s.kv.Delete(ctx, k); err != nil {
			return false, errors.Wrap(err, "Store", "Set", "delete ancestor "+k)
		}
		return false, nil
	default:
		return false, errors.Wrap(err, "Store", "Set", "update ancestor "+k)
	}
}

// put sets segs inside tree, replacing members on the way that are not
// mappings.
func put(tree map[string]any, segs []string, value any) {
	for _, seg := range segs[:len(segs)-1] {
		next, ok := tree[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			tree[seg] = next
		}
		tree = next
	}
	tree[segs[len(segs)-1]] = value
}

func (s *Store) deleteBelow(ctx context.Context, prefix string) error {
	keys, err := s.kv.Scan(ctx, prefix+".*")
	if err != nil {
		return errors.Wrap(err, "Store", "deleteBelow", "scan "+prefix)
	}
	for _, k := range keys {
		if err := s.kv.Delete(ctx, k); err != nil {
			return errors.Wrap(err, "Store", "deleteBelow", "delete "+k)
		}
	}
	return nil
}

// SetMany applies entries in order and stops at the first failure. Writes
// before the failure stay applied.
func (s *Store) SetMany(ctx context.Context, node string, entries []Entry) error {
	for i, e := range entries {
		target := e.Node
		if target == "" {
			target = node
		}
		if err := s.Set(ctx, target, e.Path, e.Value, e.Description); err != nil {
			return fmt.Errorf("parameter %d (%s): %w", i, e.Path, err)
		}
	}
	return nil
}

// SetTree stores a nested mapping as one key per leaf. Sequences are
// leaves; an empty mapping is stored as an empty mapping.
func (s *Store) SetTree(ctx context.Context, node string, tree map[string]any) error {
	if len(tree) == 0 {
		return nil
	}
	return s.SetMany(ctx, node, flatten("", tree))
}

// SetFromFile stores a tree whose top-level keys are node names.
func (s *Store) SetFromFile(ctx context.Context, tree map[string]any) error {
	nodes := make([]string, 0, len(tree))
	for node := range tree {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	for _, node := range nodes {
		sub, ok := tree[node].(map[string]any)
		if !ok {
			return errors.WrapInvalid(fmt.Errorf("parameters of node %q are %T, want mapping", node, tree[node]),
				"Store", "SetFromFile", "validate tree")
		}
		if err := s.SetTree(ctx, node, sub); err != nil {
			return err
		}
	}
	return nil
}

// flatten turns nested mappings into sorted dot-path entries.
func flatten(prefix string, tree map[string]any) []Entry {
	var out []Entry
	for k, v := range tree {
		p := k
		if prefix != "" {
			p = prefix + "." + k
		}
		if m, ok := v.(map[string]any); ok && len(m) > 0 {
			out = append(out, flatten(p, m)...)
			continue
		}
		out = append(out, Entry{Path: p, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// GetAll returns every parameter of node as flat path to value. A non-empty
// match keeps only paths matching that path.Match pattern.
func (s *Store) GetAll(ctx context.Context, node, match string) (map[string]any, error) {
	if !validSegment.MatchString(node) {
		return nil, errors.WrapInvalid(errors.ErrInvalidName, "Store", "GetAll", "validate node")
	}
	if match != "" {
		if _, err := path.Match(match, ""); err != nil {
			return nil, errors.WrapInvalid(err, "Store", "GetAll", "bad pattern "+match)
		}
	}

	keys, err := s.kv.Scan(ctx, node+".*")
	if err != nil {
		return nil, errors.Wrap(err, "Store", "GetAll", "scan "+node)
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		p := strings.TrimPrefix(k, node+".")
		if match != "" {
			if ok, _ := path.Match(match, p); !ok {
				continue
			}
		}
		rec, found, err := s.read(ctx, k)
		if err != nil {
			return nil, err
		}
		if found {
			out[p] = rec.value
		}
	}
	return out, nil
}

// Description returns the text stored with the parameter at the exact path.
func (s *Store) Description(ctx context.Context, node, p string) (string, error) {
	segs, err := splitPath(node, p)
	if err != nil {
		return "", err
	}
	rec, found, err := s.read(ctx, key(node, segs))
	if err != nil {
		return "", err
	}
	if !found {
		return "", &errors.ParameterNotFoundError{Node: node, Path: p}
	}
	return rec.description, nil
}

// Delete removes the parameter at path and everything below it.
func (s *Store) Delete(ctx context.Context, node, p string) error {
	segs, err := splitPath(node, p)
	if err != nil {
		return err
	}
	k := key(node, segs)

	below, err := s.kv.Scan(ctx, k+".*")
	if err != nil {
		return errors.Wrap(err, "Store", "Delete", "scan "+k)
	}
	_, found, err := s.read(ctx, k)
	if err != nil {
		return err
	}
	if !found && len(below) == 0 {
		return &errors.ParameterNotFoundError{Node: node, Path: p}
	}

	for _, target := range append(below, k) {
		if err := s.kv.Delete(ctx, target); err != nil {
			return errors.Wrap(err, "Store", "Delete", "delete "+target)
		}
	}
	return nil
}

// DeleteAll removes the given paths of node, or every parameter of node
// when none are given. Missing paths are ignored.
func (s *Store) DeleteAll(ctx context.Context, node string, paths ...string) error {
	if len(paths) > 0 {
		for _, p := range paths {
			err := s.Delete(ctx, node, p)
			if err != nil && !stderrors.Is(err, errors.ErrParameterNotFound) {
				return err
			}
		}
		return nil
	}

	if !validSegment.MatchString(node) {
		return errors.WrapInvalid(errors.ErrInvalidName, "Store", "DeleteAll", "validate node")
	}
	keys, err := s.kv.Scan(ctx, node+".*")
	if err != nil {
		return errors.Wrap(err, "Store", "DeleteAll", "scan "+node)
	}
	for _, k := range keys {
		if err := s.kv.Delete(ctx, k); err != nil {
			return errors.Wrap(err, "Store", "DeleteAll", "delete "+k)
		}
	}
	if len(keys) > 0 {
		s.logger.Debug("Deleted parameters", "node", node, "count", len(keys))
	}
	return nil
}
