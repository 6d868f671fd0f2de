// Package fuseadaptor wires a cpm.Volume into a go-fuse/v2 filesystem tree
// (spec.md §5), translating typed cpm.Error values into negative errno and
// guarding every volume access with a single process-wide reader/writer
// lock (shared for reads, exclusive for mutations).
package fuseadaptor

import (
	"context"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"

	"github.com/mdontu/fuse-spectrum/cpm"
)

// Root is the filesystem's single directory inode. CP/M/HC volumes have no
// subdirectories, so Root is also the mount point.
type Root struct {
	fs.Inode

	vol *cpm.Volume
	mu  *sync.RWMutex
	log *logrus.Entry
}

// New returns a Root ready to be passed to fs.Mount.
func New(vol *cpm.Volume) *Root {
	return &Root{
		vol: vol,
		mu:  &sync.RWMutex{},
		log: logrus.WithField("component", "fuseadaptor"),
	}
}

var (
	_ fs.NodeOnAdder   = (*Root)(nil)
	_ fs.NodeLookuper  = (*Root)(nil)
	_ fs.NodeReaddirer = (*Root)(nil)
	_ fs.NodeCreater   = (*Root)(nil)
	_ fs.NodeUnlinker  = (*Root)(nil)
	_ fs.NodeStatfser  = (*Root)(nil)
	_ fs.NodeGetattrer = (*Root)(nil)
)

// errno maps a cpm.Error (or any error) to the negative errno FUSE expects.
func errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch cpm.KindOf(err) {
	case cpm.NoEntry:
		return syscall.ENOENT
	case cpm.Exists:
		return syscall.EEXIST
	case cpm.NoSpace:
		return syscall.ENOSPC
	case cpm.InvalidArg:
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

// OnAdd populates the root with one inode per file present at mount time.
func (r *Root) OnAdd(ctx context.Context) {
	r.mu.RLock()
	names := r.vol.ReadDir()
	r.mu.RUnlock()

	for i, name := range names {
		child := r.NewPersistentInode(ctx, r.newFile(name), fs.StableAttr{Ino: uint64(1000 + i)})
		r.AddChild(name, child, true)
	}
}

func (r *Root) newFile(name string) *fileNode {
	return &fileNode{root: r, name: name}
}

// Lookup implements fs.NodeLookuper for files created after mount (e.g. via
// another mount of the same image) that OnAdd didn't see.
func (r *Root) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	r.mu.RLock()
	info, err := r.vol.GetAttr(name)
	r.mu.RUnlock()
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(&out.Attr, info)
	child := r.NewPersistentInode(ctx, r.newFile(name), fs.StableAttr{})
	return child, 0
}

// Readdir lists every file on the volume.
func (r *Root) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	r.mu.RLock()
	names := r.vol.ReadDir()
	r.mu.RUnlock()

	entries := make([]fuse.DirEntry, 0, len(names))
	for i, name := range names {
		entries = append(entries, fuse.DirEntry{Name: name, Ino: uint64(1000 + i), Mode: fuse.S_IFREG})
	}
	return fs.NewListDirStream(entries), 0
}

// Create adds a new empty file and returns it opened.
func (r *Root) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	r.mu.Lock()
	err := r.vol.Create(name)
	r.mu.Unlock()
	if err != nil {
		return nil, nil, 0, errno(err)
	}

	r.mu.RLock()
	info, _ := r.vol.GetAttr(name)
	r.mu.RUnlock()
	fillAttr(&out.Attr, info)

	child := r.NewPersistentInode(ctx, r.newFile(name), fs.StableAttr{})
	r.AddChild(name, child, true)
	return child, nil, 0, 0
}

// Unlink removes a file's directory entries.
func (r *Root) Unlink(ctx context.Context, name string) syscall.Errno {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errno(r.vol.Unlink(name))
}

// Statfs reports aggregate volume usage.
func (r *Root) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	r.mu.RLock()
	info := r.vol.Statfs()
	r.mu.RUnlock()

	out.Bsize = info.BlockSize
	out.Frsize = info.BlockSize
	out.Blocks = info.Blocks
	out.Bfree = info.BlocksFree
	out.Bavail = info.BlocksFree
	out.Files = info.Files
	out.Ffree = info.FilesFree
	out.NameLen = 11
	return 0
}

// Getattr reports the root directory's own attributes.
func (r *Root) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | 0o755
	return 0
}

func fillAttr(attr *fuse.Attr, info cpm.FileInfo) {
	attr.Mode = fuse.S_IFREG | 0o644
	attr.Size = uint64(info.Size)
	if !info.ModTime.IsZero() {
		attr.SetTimes(nil, &info.ModTime, &info.ModTime)
	}
}

// fileNode is one open file's inode.
type fileNode struct {
	fs.Inode

	root *Root
	name string
}

var (
	_ fs.NodeGetattrer = (*fileNode)(nil)
	_ fs.NodeOpener    = (*fileNode)(nil)
	_ fs.NodeReader    = (*fileNode)(nil)
	_ fs.NodeWriter    = (*fileNode)(nil)
	_ fs.NodeSetattrer = (*fileNode)(nil)
)

func (f *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	f.root.mu.RLock()
	info, err := f.root.vol.GetAttr(f.name)
	f.root.mu.RUnlock()
	if err != nil {
		return errno(err)
	}
	fillAttr(&out.Attr, info)
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (f *fileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	f.root.mu.RLock()
	defer f.root.mu.RUnlock()

	n, err := f.root.vol.Read(f.name, dest, off)
	if err != nil {
		f.root.log.WithError(err).WithField("file", f.name).Error("read failed")
		return nil, errno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (f *fileNode) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	f.root.mu.Lock()
	defer f.root.mu.Unlock()

	n, err := f.root.vol.Write(f.name, data, off)
	if err != nil {
		f.root.log.WithError(err).WithField("file", f.name).Error("write failed")
		return uint32(n), errno(err)
	}
	return uint32(n), 0
}

// Setattr handles truncate; every other attribute CP/M has no room to
// store is silently accepted, matching the original's read-only metadata
// model (spec.md §5 "Setattr").
func (f *fileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		f.root.mu.Lock()
		err := f.root.vol.Truncate(f.name, int64(size))
		f.root.mu.Unlock()
		if err != nil {
			return errno(err)
		}
	}

	f.root.mu.RLock()
	info, err := f.root.vol.GetAttr(f.name)
	f.root.mu.RUnlock()
	if err != nil {
		return errno(err)
	}
	fillAttr(&out.Attr, info)
	return 0
}
