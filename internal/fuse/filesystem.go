package fuse

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/replicafed/replicafed/pkg/client"
	"github.com/replicafed/replicafed/pkg/errors"
)

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// FileSystem projects the federation's flat namespace onto a FUSE
// mount through the retrying client library. The federation has no
// directory-listing operation, so the namespace is populated lazily:
// a name becomes visible once a lookup (or create) has touched it.
// All writes are whole-file, matching the store's write semantics.
type FileSystem struct {
	client *client.Client

	// Configuration
	config *Config

	// Internal state
	mu    sync.RWMutex
	known map[string]bool // names seen via lookup/create, for Readdir

	// Operation tracking
	stats *Stats
}

// Config represents FUSE filesystem configuration
type Config struct {
	MountPoint string `yaml:"mount_point"`
	ReadOnly   bool   `yaml:"read_only"`
	AllowOther bool   `yaml:"allow_other"`

	// Filesystem behavior
	DefaultUID  uint32        `yaml:"default_uid"`
	DefaultGID  uint32        `yaml:"default_gid"`
	DefaultMode uint32        `yaml:"default_mode"`
	AttrTTL     time.Duration `yaml:"attr_ttl"`
}

// Stats tracks filesystem operation statistics
type Stats struct {
	mu sync.RWMutex

	Lookups      int64 `json:"lookups"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	Creates      int64 `json:"creates"`
	Deletes      int64 `json:"deletes"`
	Renames      int64 `json:"renames"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Errors       int64 `json:"errors"`
}

// NewFileSystem creates a new FUSE filesystem over a federation client
func NewFileSystem(c *client.Client, config *Config) *FileSystem {
	if config == nil {
		config = &Config{
			DefaultUID:  1000,
			DefaultGID:  1000,
			DefaultMode: 0644,
			AttrTTL:     time.Second,
		}
	}
	return &FileSystem{
		client: c,
		config: config,
		known:  make(map[string]bool),
		stats:  &Stats{},
	}
}

// Root returns the root inode
func (f *FileSystem) Root() fs.InodeEmbedder {
	return &RootNode{fs: f}
}

// GetStats returns a copy of the current statistics
func (f *FileSystem) GetStats() Stats {
	f.stats.mu.RLock()
	defer f.stats.mu.RUnlock()
	return Stats{
		Lookups:      f.stats.Lookups,
		Reads:        f.stats.Reads,
		Writes:       f.stats.Writes,
		Creates:      f.stats.Creates,
		Deletes:      f.stats.Deletes,
		Renames:      f.stats.Renames,
		BytesRead:    f.stats.BytesRead,
		BytesWritten: f.stats.BytesWritten,
		Errors:       f.stats.Errors,
	}
}

func (f *FileSystem) remember(name string) {
	f.mu.Lock()
	f.known[name] = true
	f.mu.Unlock()
}

func (f *FileSystem) forget(name string) {
	f.mu.Lock()
	delete(f.known, name)
	f.mu.Unlock()
}

func (f *FileSystem) knownNames() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.known))
	for name := range f.known {
		out = append(out, name)
	}
	return out
}

func (f *FileSystem) countError() {
	f.stats.mu.Lock()
	f.stats.Errors++
	f.stats.mu.Unlock()
}

// errnoFor translates a federation error to a FUSE errno
func errnoFor(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if errors.Is(err, errors.ErrCodeNotFound) {
		return syscall.ENOENT
	}
	if errors.Is(err, errors.ErrCodeUnreachable) {
		return syscall.EHOSTUNREACH
	}
	return syscall.EIO
}

// RootNode is the single directory level of the flat namespace
type RootNode struct {
	fs.Inode
	fs *FileSystem
}

var _ = (fs.NodeLookuper)((*RootNode)(nil))
var _ = (fs.NodeCreater)((*RootNode)(nil))
var _ = (fs.NodeUnlinker)((*RootNode)(nil))
var _ = (fs.NodeRenamer)((*RootNode)(nil))
var _ = (fs.NodeReaddirer)((*RootNode)(nil))

// Lookup resolves a name via the federation's exists verb
func (n *RootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.fs.stats.mu.Lock()
	n.fs.stats.Lookups++
	n.fs.stats.mu.Unlock()

	ok, err := n.fs.client.Exists(ctx, name)
	if err != nil {
		n.fs.countError()
		return nil, errnoFor(err)
	}
	if !ok {
		n.fs.forget(name)
		return nil, syscall.ENOENT
	}
	n.fs.remember(name)

	child := n.NewInode(ctx, &FileNode{fs: n.fs, name: name}, fs.StableAttr{Mode: fuse.S_IFREG})
	out.Mode = fuse.S_IFREG | n.fs.config.DefaultMode
	out.Uid = n.fs.config.DefaultUID
	out.Gid = n.fs.config.DefaultGID
	return child, 0
}

// Create writes an empty file through the federation and opens it
func (n *RootNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if n.fs.config.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}
	if err := n.fs.client.Write(ctx, name, nil); err != nil {
		n.fs.countError()
		return nil, nil, 0, errnoFor(err)
	}
	n.fs.stats.mu.Lock()
	n.fs.stats.Creates++
	n.fs.stats.mu.Unlock()
	n.fs.remember(name)

	node := &FileNode{fs: n.fs, name: name}
	child := n.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFREG})
	out.Mode = fuse.S_IFREG | n.fs.config.DefaultMode
	out.Uid = n.fs.config.DefaultUID
	out.Gid = n.fs.config.DefaultGID
	return child, &fileHandle{node: node}, fuse.FOPEN_DIRECT_IO, 0
}

// Unlink deletes a file through the federation
func (n *RootNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.fs.config.ReadOnly {
		return syscall.EROFS
	}
	if err := n.fs.client.Delete(ctx, name); err != nil {
		n.fs.countError()
		return errnoFor(err)
	}
	n.fs.stats.mu.Lock()
	n.fs.stats.Deletes++
	n.fs.stats.mu.Unlock()
	n.fs.forget(name)
	return 0
}

// Rename moves a file within its family
func (n *RootNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.fs.config.ReadOnly {
		return syscall.EROFS
	}
	if err := n.fs.client.Rename(ctx, name, newName); err != nil {
		n.fs.countError()
		return errnoFor(err)
	}
	n.fs.stats.mu.Lock()
	n.fs.stats.Renames++
	n.fs.stats.mu.Unlock()
	n.fs.forget(name)
	n.fs.remember(newName)
	return 0
}

// Readdir lists the names this mount has seen. The federation offers no
// listing operation, so this is the lazily-populated view only.
func (n *RootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	names := n.fs.knownNames()
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, fuse.DirEntry{Name: name, Mode: fuse.S_IFREG})
	}
	return fs.NewListDirStream(entries), 0
}

// FileNode is one regular file in the flat namespace
type FileNode struct {
	fs.Inode
	fs   *FileSystem
	name string
}

var _ = (fs.NodeOpener)((*FileNode)(nil))
var _ = (fs.NodeGetattrer)((*FileNode)(nil))
var _ = (fs.NodeSetattrer)((*FileNode)(nil))

// Open returns a handle doing direct whole-file I/O
func (n *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return &fileHandle{node: n}, fuse.FOPEN_DIRECT_IO, 0
}

// Getattr reports size by reading the current contents
func (n *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	data, err := n.fs.client.Read(ctx, n.name)
	if err != nil {
		return errnoFor(err)
	}
	out.Mode = fuse.S_IFREG | n.fs.config.DefaultMode
	out.Size = uint64(len(data))
	out.Uid = n.fs.config.DefaultUID
	out.Gid = n.fs.config.DefaultGID
	out.SetTimeout(n.fs.config.AttrTTL)
	return 0
}

// Setattr supports truncate-to-zero (the only size change whole-file
// writes need); other attribute changes are accepted and ignored.
func (n *FileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if sz, ok := in.GetSize(); ok && sz == 0 {
		if err := n.fs.client.Write(ctx, n.name, nil); err != nil {
			n.fs.countError()
			return errnoFor(err)
		}
	}
	out.Mode = fuse.S_IFREG | n.fs.config.DefaultMode
	out.Uid = n.fs.config.DefaultUID
	out.Gid = n.fs.config.DefaultGID
	return 0
}

// fileHandle buffers one open file's contents so partial reads and
// writes compose into whole-file federation operations at flush time.
type fileHandle struct {
	node *FileNode

	mu     sync.Mutex
	data   []byte
	loaded bool
	dirty  bool
}

var _ = (fs.FileReader)((*fileHandle)(nil))
var _ = (fs.FileWriter)((*fileHandle)(nil))
var _ = (fs.FileFlusher)((*fileHandle)(nil))

func (h *fileHandle) load(ctx context.Context) syscall.Errno {
	if h.loaded {
		return 0
	}
	data, err := h.node.fs.client.Read(ctx, h.node.name)
	if err != nil {
		if errors.Is(err, errors.ErrCodeNotFound) {
			h.data = nil
			h.loaded = true
			return 0
		}
		return errnoFor(err)
	}
	h.data = data
	h.loaded = true
	return 0
}

// Read serves from the buffered contents
func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if errno := h.load(ctx); errno != 0 {
		h.node.fs.countError()
		return nil, errno
	}
	if off >= int64(len(h.data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}
	h.node.fs.stats.mu.Lock()
	h.node.fs.stats.Reads++
	h.node.fs.stats.BytesRead += end - off
	h.node.fs.stats.mu.Unlock()
	return fuse.ReadResultData(h.data[off:end]), 0
}

// Write updates the buffer; the federation write happens on Flush
func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if h.node.fs.config.ReadOnly {
		return 0, syscall.EROFS
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if errno := h.load(ctx); errno != 0 {
		h.node.fs.countError()
		return 0, errno
	}
	end := off + int64(len(data))
	if end > int64(len(h.data)) {
		grown := make([]byte, end)
		copy(grown, h.data)
		h.data = grown
	}
	copy(h.data[off:end], data)
	h.dirty = true

	h.node.fs.stats.mu.Lock()
	h.node.fs.stats.Writes++
	h.node.fs.stats.BytesWritten += int64(len(data))
	h.node.fs.stats.mu.Unlock()
	return safeIntToUint32(len(data)), 0
}

// Flush pushes the buffered contents as one whole-file write
func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return 0
	}
	if err := h.node.fs.client.Write(ctx, h.node.name, h.data); err != nil {
		h.node.fs.countError()
		return errnoFor(err)
	}
	h.dirty = false
	return 0
}
