// cmd/mbk/fuse.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

// Read-only access to the files of an unlocked backup via FUSE.

import (
	"io"
	"os"
	"sync"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/mmp/mbk/decrypt"
	"github.com/mmp/mbk/manifest"
	"github.com/mmp/mbk/storage"
	u "github.com/mmp/mbk/util"
	"github.com/spf13/cobra"
	"golang.org/x/net/context"
)

var mountCmd = &cobra.Command{
	Use:   "mount <backup> <mountpoint>",
	Short: "Mount a backup as a read-only filesystem of Domain/path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		o, err := openBackup(ctx, args[0])
		if err != nil {
			return describe(err)
		}
		defer o.Close()

		go func() {
			<-ctx.Done()
			fuse.Unmount(args[1])
		}()
		return mountFUSE(args[1], &backupFS{
			name:  o.backup.DeviceName(),
			store: o.backup.Store(),
			open: func(ctx context.Context, e *manifest.Entry) (io.ReadCloser, error) {
				return decrypt.Open(ctx, o.backup.Store(), o.ul, e)
			},
			index: o.index,
		})
	},
}

// mountFUSE serves the backup at dir until it's unmounted. The top level
// of the hierarchy holds one directory per domain; below that are the
// domain's files.
func mountFUSE(dir string, bfs *backupFS) error {
	conn, err := fuse.Mount(
		dir,
		fuse.FSName("mbkfs"),
		fuse.Subtype("mbkfs"),
		fuse.VolumeName(bfs.name),
		fuse.ReadOnly(),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Verbose("%s: serving %s", dir, bfs.store)
	if err := fs.Serve(conn, bfs); err != nil {
		return err
	}

	<-conn.Ready
	return conn.MountError
}

type backupFS struct {
	name  string
	store storage.Store
	index *manifest.Index
	open  func(ctx context.Context, e *manifest.Entry) (io.ReadCloser, error)
}

func (b *backupFS) Root() (fs.Node, error) {
	return &domainsDir{b}, nil
}

// domainsDir is the top-level directory: one entry per domain.
type domainsDir struct {
	fs *backupFS
}

func (d *domainsDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Mode = os.ModeDir | 0500
	return nil
}

// Implements fuse.fs.NodeStringLookuper
func (d *domainsDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	for _, domain := range d.fs.index.Domains() {
		if domain == name {
			return &entryNode{fs: d.fs, Entry: manifest.Entry{
				Domain: domain,
				Flags:  manifest.FlagDir,
				Mode:   0500,
			}}, nil
		}
	}
	return nil, fuse.ENOENT
}

// Implements fuse.fs.HandleReadDirAller
func (d *domainsDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var de []fuse.Dirent
	for _, domain := range d.fs.index.Domains() {
		de = append(de, fuse.Dirent{Name: domain, Type: fuse.DT_Dir})
	}
	return de, nil
}

///////////////////////////////////////////////////////////////////////////

// entryNode is a manifest entry along with the filesystem it belongs to.
// The top level of each domain is an entryNode with an empty
// RelativePath.
type entryNode struct {
	fs *backupFS
	manifest.Entry
}

func (e *entryNode) Attr(ctx context.Context, a *fuse.Attr) error {
	if e.IsFile() {
		a.Size = uint64(e.Size)
	}
	// Everything is read-only.
	a.Mode = e.FileMode() &^ 0222
	a.Mtime = e.ModTime
	a.Uid = uint32(os.Getuid())
	a.Gid = uint32(os.Getgid())
	return nil
}

// Implements fuse.fs.NodeStringLookuper
func (e *entryNode) Lookup(ctx context.Context, name string) (fs.Node, error) {
	if !e.IsDir() {
		return nil, fuse.ENOENT
	}
	for _, c := range e.fs.index.ListDir(e.Domain, e.RelativePath) {
		if c.Name() == name {
			return &entryNode{fs: e.fs, Entry: c}, nil
		}
	}
	return nil, fuse.ENOENT
}

// Implements fuse.fs.HandleReadDirAller
func (e *entryNode) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var dirents []fuse.Dirent
	for _, c := range e.fs.index.ListDir(e.Domain, e.RelativePath) {
		de := fuse.Dirent{Name: c.Name()}
		switch {
		case c.IsDir():
			de.Type = fuse.DT_Dir
		case c.IsFile():
			de.Type = fuse.DT_File
		case c.IsSymlink():
			de.Type = fuse.DT_Link
		default:
			log.Warning("%s: unhandled entry type %s", c.Path(), c.Flags)
			continue
		}
		dirents = append(dirents, de)
	}
	return dirents, nil
}

// Implements fuse.fs.NodeReadlinker
func (e *entryNode) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	if !e.IsSymlink() {
		return "", fuse.Errno(syscall.EINVAL)
	}
	return e.Target, nil
}

// Implements fuse.fs.NodeOpener
func (e *entryNode) Open(ctx context.Context, req *fuse.OpenRequest,
	resp *fuse.OpenResponse) (fs.Handle, error) {
	if e.IsDir() {
		return e, nil
	}
	if !e.IsFile() {
		return nil, fuse.ENOENT
	}
	if !req.Flags.IsReadOnly() {
		return nil, fuse.Errno(syscall.EPERM)
	}
	return &fileHandle{node: e}, nil
}

// fileHandle decrypts a file as it's read. Reads are expected to be
// mostly sequential; a read anywhere other than the current position
// restarts decryption from the start of the file.
type fileHandle struct {
	node *entryNode

	mu     sync.Mutex
	rc     io.ReadCloser
	offset int64
}

// Implements fuse.fs.HandleReader
func (h *fileHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rc == nil || req.Offset < h.offset {
		if err := h.reopen(); err != nil {
			return err
		}
	}
	if req.Offset > h.offset {
		n, err := io.CopyN(io.Discard, h.rc, req.Offset-h.offset)
		h.offset += n
		if err == io.EOF {
			return nil
		} else if err != nil {
			return h.fail(err)
		}
	}

	buf := make([]byte, req.Size)
	n, err := io.ReadFull(h.rc, buf)
	h.offset += int64(n)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return h.fail(err)
	}
	resp.Data = buf[:n]
	return nil
}

// reopen starts decrypting from the beginning of the file. The reader
// outlives the request that opened it, so it can't use its context.
func (h *fileHandle) reopen() error {
	h.close()
	rc, err := h.node.fs.open(context.Background(), &h.node.Entry)
	if err != nil {
		return h.fail(err)
	}
	h.rc = &u.ReportingReader{R: rc, Msg: h.node.Path(), Log: log}
	h.offset = 0
	return nil
}

func (h *fileHandle) fail(err error) error {
	log.Error("%s: %s", h.node.Path(), err)
	h.close()
	return fuse.Errno(syscall.EIO)
}

func (h *fileHandle) close() {
	if h.rc != nil {
		h.rc.Close()
		h.rc = nil
	}
}

// Implements fuse.fs.HandleReleaser
func (h *fileHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.close()
	return nil
}
