// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fs is a small in-memory filesystem whose file contents are
// accessed through a file cache.
package fs

import (
	"context"
	"fmt"
	"io"
	"path"

	"npk.dev/vm/pkg/errors"
	"npk.dev/vm/pkg/filecache"
	"npk.dev/vm/pkg/sync"
)

// NodeID identifies a node for its lifetime.
type NodeID uint64

// Type is the type of a node.
type Type int

const (
	// Regular is a plain file.
	Regular Type = iota

	// Directory is a directory.
	Directory
)

// String implements fmt.Stringer.String.
func (t Type) String() string {
	switch t {
	case Regular:
		return "regular"
	case Directory:
		return "directory"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Attributes describe a node.
type Attributes struct {
	Type Type
	Size uint64
}

// Errors returned by filesystem operations.
var (
	ErrNotExist = errors.New(errors.Config, "no such file or directory")
	ErrExist    = errors.New(errors.Config, "file exists")
	ErrNotDir   = errors.New(errors.Config, "not a directory")
	ErrIsDir    = errors.New(errors.Config, "is a directory")
	ErrBadPath  = errors.New(errors.Config, "path is not absolute and clean")
)

// node is a file or directory. A removed node may still be referenced by
// its cache object.
type node struct {
	id  NodeID
	typ Type

	// obj caches the contents of a regular file. It is immutable.
	obj *filecache.Object

	mu sync.RWMutex

	// data is the backing store of a regular file. Protected by mu.
	data []byte
}

// ReadAt implements io.ReaderAt.ReadAt.
func (n *node) ReadAt(p []byte, off int64) (int, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if off >= int64(len(n.data)) {
		return 0, io.EOF
	}
	c := copy(p, n.data[off:])
	if c < len(p) {
		return c, io.EOF
	}
	return c, nil
}

// WriteAt implements io.WriterAt.WriteAt. Writes past the end of the file
// are truncated; the cache only writes back bytes inside the file.
func (n *node) WriteAt(p []byte, off int64) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if off >= int64(len(n.data)) {
		return 0, io.ErrShortWrite
	}
	c := copy(n.data[off:], p)
	if c < len(p) {
		return c, io.ErrShortWrite
	}
	return c, nil
}

// Size implements filecache.Source.Size.
func (n *node) Size() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return uint64(len(n.data))
}

// resize sets the file size, zero-filling any growth.
func (n *node) resize(size uint64) (old uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	old = uint64(len(n.data))
	if size <= old {
		clear(n.data[size:])
		n.data = n.data[:size]
	} else {
		n.data = append(n.data, make([]byte, size-old)...)
	}
	return old
}

// Filesystem is an in-memory filesystem.
type Filesystem struct {
	cache *filecache.Cache

	mu sync.RWMutex

	// paths maps clean absolute paths to nodes. Protected by mu.
	paths map[string]*node

	// nodes maps IDs of live nodes. Protected by mu.
	nodes map[NodeID]*node

	// nextID is the ID of the next node. Protected by mu.
	nextID NodeID
}

// New returns a filesystem containing only the root directory, caching file
// contents in cache.
func New(cache *filecache.Cache) *Filesystem {
	fs := &Filesystem{
		cache:  cache,
		paths:  make(map[string]*node),
		nodes:  make(map[NodeID]*node),
		nextID: 1,
	}
	fs.addLocked("/", &node{typ: Directory})
	return fs
}

// Cache returns the file cache used by fs.
func (fs *Filesystem) Cache() *filecache.Cache {
	return fs.cache
}

func checkPath(p string) error {
	if !path.IsAbs(p) || path.Clean(p) != p {
		return fmt.Errorf("%q: %w", p, ErrBadPath)
	}
	return nil
}

// Preconditions: fs.mu is locked.
func (fs *Filesystem) addLocked(p string, n *node) {
	n.id = fs.nextID
	fs.nextID++
	fs.paths[p] = n
	fs.nodes[n.id] = n
}

// Preconditions: fs.mu is locked.
func (fs *Filesystem) checkParentLocked(p string) error {
	if _, ok := fs.paths[p]; ok {
		return fmt.Errorf("%q: %w", p, ErrExist)
	}
	parent, ok := fs.paths[path.Dir(p)]
	if !ok {
		return fmt.Errorf("%q: %w", path.Dir(p), ErrNotExist)
	}
	if parent.typ != Directory {
		return fmt.Errorf("%q: %w", path.Dir(p), ErrNotDir)
	}
	return nil
}

// Mkdir creates a directory at p.
func (fs *Filesystem) Mkdir(p string) (NodeID, error) {
	if err := checkPath(p); err != nil {
		return 0, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.checkParentLocked(p); err != nil {
		return 0, err
	}
	n := &node{typ: Directory}
	fs.addLocked(p, n)
	return n.id, nil
}

// Create creates a regular file at p holding a copy of data.
func (fs *Filesystem) Create(p string, data []byte) (NodeID, error) {
	if err := checkPath(p); err != nil {
		return 0, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.checkParentLocked(p); err != nil {
		return 0, err
	}
	n := &node{typ: Regular, data: append([]byte(nil), data...)}
	n.obj = fs.cache.Open(n)
	fs.addLocked(p, n)
	return n.id, nil
}

// Lookup returns the node at p.
func (fs *Filesystem) Lookup(p string) (NodeID, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n, ok := fs.paths[p]
	if !ok {
		return 0, false
	}
	return n.id, true
}

func (fs *Filesystem) get(id NodeID) (*node, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n, ok := fs.nodes[id]
	return n, ok
}

func (fs *Filesystem) getPath(p string) (*node, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n, ok := fs.paths[p]
	if !ok {
		return nil, fmt.Errorf("%q: %w", p, ErrNotExist)
	}
	return n, nil
}

// Attributes returns the attributes of node id. ok is false if the node has
// been removed.
func (fs *Filesystem) Attributes(id NodeID) (Attributes, bool) {
	n, ok := fs.get(id)
	if !ok {
		return Attributes{}, false
	}
	return Attributes{Type: n.typ, Size: n.Size()}, true
}

// CacheObject returns the cache object of regular file id. ok is false if
// the node has been removed or is not a regular file. The caller must take
// its own reference before dropping any lock that serializes it against
// Remove.
func (fs *Filesystem) CacheObject(id NodeID) (*filecache.Object, bool) {
	n, ok := fs.get(id)
	if !ok || n.obj == nil {
		return nil, false
	}
	return n.obj, true
}

// Truncate sets the size of the regular file at p. Cached contents past the
// new size are invalidated; later accesses there fail.
func (fs *Filesystem) Truncate(p string, size uint64) error {
	n, err := fs.getPath(p)
	if err != nil {
		return err
	}
	if n.typ != Regular {
		return fmt.Errorf("%q: %w", p, ErrIsDir)
	}
	if old := n.resize(size); size < old {
		n.obj.Invalidate(size)
	}
	return nil
}

// Remove deletes the node at p. Directories must be empty. The contents of
// a removed file stay allocated until every mapping of it is gone, but are
// no longer accessible through the cache.
func (fs *Filesystem) Remove(p string) error {
	if err := checkPath(p); err != nil {
		return err
	}
	if p == "/" {
		return fmt.Errorf("%q: %w", p, ErrBadPath)
	}
	fs.mu.Lock()
	n, ok := fs.paths[p]
	if !ok {
		fs.mu.Unlock()
		return fmt.Errorf("%q: %w", p, ErrNotExist)
	}
	if n.typ == Directory {
		for q := range fs.paths {
			if path.Dir(q) == p {
				fs.mu.Unlock()
				return fmt.Errorf("%q: directory not empty: %w", p, ErrExist)
			}
		}
	}
	delete(fs.paths, p)
	delete(fs.nodes, n.id)
	fs.mu.Unlock()

	if n.obj != nil {
		n.resize(0)
		n.obj.Invalidate(0)
		n.obj.DecRef()
	}
	return nil
}

// Release removes every node but the root. Files still mapped keep their
// contents until the last mapping is gone.
func (fs *Filesystem) Release() {
	fs.mu.Lock()
	var files []*node
	for p, n := range fs.paths {
		if p == "/" {
			continue
		}
		if n.obj != nil {
			files = append(files, n)
		}
		delete(fs.paths, p)
		delete(fs.nodes, n.id)
	}
	fs.mu.Unlock()

	for _, n := range files {
		n.obj.DecRef()
	}
}

// ReadAt reads the regular file at p through the cache.
func (fs *Filesystem) ReadAt(ctx context.Context, p string, dst []byte, off uint64) (int, error) {
	n, err := fs.getPath(p)
	if err != nil {
		return 0, err
	}
	if n.typ != Regular {
		return 0, fmt.Errorf("%q: %w", p, ErrIsDir)
	}
	done := 0
	for done < len(dst) {
		cur := off + uint64(done)
		u, ok := fs.cache.Unit(ctx, n.obj, cur, false)
		if !ok {
			break
		}
		done += copy(dst[done:], fs.cache.Bytes(u)[cur-u.FileOffset:u.Valid])
	}
	if done < len(dst) {
		return done, io.EOF
	}
	return done, nil
}

// WriteAt writes src to the regular file at p through the cache, growing
// the file if needed.
func (fs *Filesystem) WriteAt(ctx context.Context, p string, src []byte, off uint64) (int, error) {
	n, err := fs.getPath(p)
	if err != nil {
		return 0, err
	}
	if n.typ != Regular {
		return 0, fmt.Errorf("%q: %w", p, ErrIsDir)
	}
	if end := off + uint64(len(src)); end > n.Size() {
		n.resize(end)
	}
	done := 0
	for done < len(src) {
		cur := off + uint64(done)
		u, ok := fs.cache.Unit(ctx, n.obj, cur, true)
		if !ok {
			return done, fmt.Errorf("%q: no cache unit at %#x", p, cur)
		}
		done += copy(fs.cache.Bytes(u)[cur-u.FileOffset:], src[done:])
	}
	return done, nil
}

// Sync writes cached changes of the regular file at p back to its store.
func (fs *Filesystem) Sync(p string) error {
	n, err := fs.getPath(p)
	if err != nil {
		return err
	}
	if n.obj == nil {
		return nil
	}
	return n.obj.Flush()
}
