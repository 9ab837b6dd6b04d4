// Package hosttest provides in-memory fakes of the host package interfaces.
package hosttest

import (
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/muratgozel/deployment-server/internal/host"
)

// Node is a snapshot of one fake filesystem entry.
type Node struct {
	Dir  bool
	Mode fs.FileMode
	UID  int
	GID  int
	Data []byte
}

// System is an in-memory host.System.
type System struct {
	mu     sync.Mutex
	users  map[string]int
	groups map[string]int
	nodes  map[string]*Node
	nextID int
	ops    []string
}

var _ host.System = (*System)(nil)

// NewSystem returns an empty fake with "/" present.
func NewSystem() *System {
	return &System{
		users:  map[string]int{"root": 0},
		groups: map[string]int{"root": 0},
		nodes:  map[string]*Node{"/": {Dir: true, Mode: fs.ModeDir | 0o755}},
		nextID: 1000,
	}
}

// AddUser registers an account and returns its uid.
func (s *System) AddUser(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.users[name]; ok {
		return id
	}
	s.nextID++
	s.users[name] = s.nextID
	return s.nextID
}

// AddGroup registers a group and returns its gid.
func (s *System) AddGroup(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.groups[name]; ok {
		return id
	}
	s.nextID++
	s.groups[name] = s.nextID
	return s.nextID
}

// Node returns a copy of the entry at p.
func (s *System) Node(p string) (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path.Clean(p)]
	if !ok {
		return Node{}, false
	}
	cp := *n
	cp.Data = append([]byte(nil), n.Data...)
	return cp, true
}

// Ops returns the mutating operations applied so far, e.g. "chmod /x 0750".
func (s *System) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

// ResetOps clears the recorded operations.
func (s *System) ResetOps() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = nil
}

func (s *System) LookupUser(name string) (host.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.users[name]
	if !ok {
		return host.Account{}, host.ErrUnknownAccount
	}
	return host.Account{Name: name, ID: id}, nil
}

func (s *System) LookupGroup(name string) (host.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.groups[name]
	if !ok {
		return host.Account{}, host.ErrUnknownAccount
	}
	return host.Account{Name: name, ID: id}, nil
}

func (s *System) Stat(p string) (fs.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = path.Clean(p)
	n, ok := s.nodes[p]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
	}
	return fileInfo{name: path.Base(p), node: *n}, nil
}

func (s *System) MkdirAll(p string, perm fs.FileMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = path.Clean(p)
	var parts []string
	for cur := p; cur != "/" && cur != "."; cur = path.Dir(cur) {
		parts = append(parts, cur)
	}
	for i := len(parts) - 1; i >= 0; i-- {
		if n, ok := s.nodes[parts[i]]; ok {
			if !n.Dir {
				return &fs.PathError{Op: "mkdir", Path: parts[i], Err: fs.ErrExist}
			}
			continue
		}
		s.nodes[parts[i]] = &Node{Dir: true, Mode: fs.ModeDir | perm}
		s.ops = append(s.ops, "mkdir "+parts[i])
	}
	return nil
}

func (s *System) Chown(p string, uid, gid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path.Clean(p)]
	if !ok {
		return &fs.PathError{Op: "chown", Path: p, Err: fs.ErrNotExist}
	}
	n.UID, n.GID = uid, gid
	s.ops = append(s.ops, "chown "+path.Clean(p))
	return nil
}

func (s *System) Chmod(p string, mode fs.FileMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path.Clean(p)]
	if !ok {
		return &fs.PathError{Op: "chmod", Path: p, Err: fs.ErrNotExist}
	}
	n.Mode = (n.Mode & fs.ModeType) | mode.Perm()
	s.ops = append(s.ops, "chmod "+path.Clean(p)+" "+mode.Perm().String())
	return nil
}

func (s *System) WriteFile(p string, data []byte, perm fs.FileMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = path.Clean(p)
	if parent, ok := s.nodes[path.Dir(p)]; !ok || !parent.Dir {
		return &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	if n, ok := s.nodes[p]; ok {
		n.Data = append([]byte(nil), data...)
	} else {
		s.nodes[p] = &Node{Mode: perm, Data: append([]byte(nil), data...)}
	}
	s.ops = append(s.ops, "write "+p)
	return nil
}

func (s *System) ReadDir(p string) ([]fs.DirEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = path.Clean(p)
	if n, ok := s.nodes[p]; !ok || !n.Dir {
		return nil, &fs.PathError{Op: "readdir", Path: p, Err: fs.ErrNotExist}
	}
	var entries []fs.DirEntry
	for name, n := range s.nodes {
		if name != p && path.Dir(name) == p {
			entries = append(entries, fs.FileInfoToDirEntry(fileInfo{name: path.Base(name), node: *n}))
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

func (s *System) RemoveAll(p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = path.Clean(p)
	for name := range s.nodes {
		if name == p || strings.HasPrefix(name, p+"/") {
			delete(s.nodes, name)
		}
	}
	s.ops = append(s.ops, "remove "+p)
	return nil
}

type fileInfo struct {
	name string
	node Node
}

func (f fileInfo) Name() string       { return f.name }
func (f fileInfo) Size() int64        { return int64(len(f.node.Data)) }
func (f fileInfo) Mode() fs.FileMode  { return f.node.Mode }
func (f fileInfo) ModTime() time.Time { return time.Time{} }
func (f fileInfo) IsDir() bool        { return f.node.Dir }
func (f fileInfo) Sys() any           { return nil }
