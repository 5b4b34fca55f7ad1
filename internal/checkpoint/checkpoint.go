// Package checkpoint dumps and restores container process trees with CRIU.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	criu "github.com/checkpoint-restore/go-criu/v6"
	"github.com/checkpoint-restore/go-criu/v6/rpc"
	"google.golang.org/protobuf/proto"
)

// ErrImagePathRequired is returned when no image directory is given.
var ErrImagePathRequired = errors.New("checkpoint image path is required")

// minCriuVersion is the oldest CRIU release with the features relied on
// here (cgroup v2, external mounts by key).
const minCriuVersion = 31500

// ExternalMount is a bind mount CRIU must treat as external: the key is
// the destination inside the container, the value is its source on the
// host at restore time.
type ExternalMount struct {
	Destination string
	Source      string
}

// Options configure a dump or restore.
type Options struct {
	ImagePath      string
	WorkPath       string
	LeaveRunning   bool
	TCPEstablished bool
	ShellJob       bool
	// Root is the container root filesystem, needed to restore.
	Root string
	// CgroupPath places restored processes in the container's cgroup.
	CgroupPath string
	Mounts     []ExternalMount
}

// Image identifies a completed checkpoint.
type Image struct {
	Path string
}

// CRIU is the go-criu backed checkpoint implementation.
type CRIU struct {
	path string
}

// New returns a backend that runs the criu binary at path, or criu from
// PATH when path is empty.
func New(path string) *CRIU {
	return &CRIU{path: path}
}

func (c *CRIU) client() (*criu.Criu, error) {
	cr := criu.MakeCriu()
	if c.path != "" {
		cr.SetCriuPath(c.path)
	}

	version, err := cr.GetCriuVersion()
	if err != nil {
		return nil, fmt.Errorf("get criu version: %w", err)
	}

	if version < minCriuVersion {
		return nil, fmt.Errorf("criu %d is older than the required %d", version, minCriuVersion)
	}

	return cr, nil
}

func openDirs(opts Options) (*os.File, *os.File, error) {
	if opts.ImagePath == "" {
		return nil, nil, ErrImagePathRequired
	}

	if err := os.MkdirAll(opts.ImagePath, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create image dir: %w", err)
	}

	img, err := os.Open(opts.ImagePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open image dir: %w", err)
	}

	workPath := opts.WorkPath
	if workPath == "" {
		workPath = opts.ImagePath
	}

	if err := os.MkdirAll(workPath, 0o700); err != nil {
		img.Close()
		return nil, nil, fmt.Errorf("create work dir: %w", err)
	}

	work, err := os.Open(workPath)
	if err != nil {
		img.Close()
		return nil, nil, fmt.Errorf("open work dir: %w", err)
	}

	return img, work, nil
}

func baseOpts(opts Options, img, work *os.File, logFile string) *rpc.CriuOpts {
	o := &rpc.CriuOpts{
		ImagesDirFd:    proto.Int32(int32(img.Fd())),
		WorkDirFd:      proto.Int32(int32(work.Fd())),
		LogLevel:       proto.Int32(4),
		LogFile:        proto.String(logFile),
		TcpEstablished: proto.Bool(opts.TCPEstablished),
		ShellJob:       proto.Bool(opts.ShellJob),
		ManageCgroups:  proto.Bool(true),
		FileLocks:      proto.Bool(true),
	}

	return o
}

// Dump checkpoints the process tree rooted at pid into opts.ImagePath.
func (c *CRIU) Dump(ctx context.Context, pid int, opts Options) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cr, err := c.client()
	if err != nil {
		return nil, err
	}

	img, work, err := openDirs(opts)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	defer work.Close()

	o := baseOpts(opts, img, work, "dump.log")
	o.Pid = proto.Int32(int32(pid))
	o.LeaveRunning = proto.Bool(opts.LeaveRunning)

	for _, m := range opts.Mounts {
		o.ExtMnt = append(o.ExtMnt, &rpc.ExtMountMap{
			Key: proto.String(m.Destination),
			Val: proto.String(m.Destination),
		})
	}

	if err := dump(cr, o); err != nil {
		return nil, fmt.Errorf("criu dump (see %s): %w", filepath.Join(work.Name(), "dump.log"), err)
	}

	return &Image{Path: opts.ImagePath}, nil
}

// Restore recreates the process tree saved in opts.ImagePath and returns
// the pid of its root.
func (c *CRIU) Restore(ctx context.Context, opts Options) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cr, err := c.client()
	if err != nil {
		return 0, err
	}

	img, work, err := openDirs(opts)
	if err != nil {
		return 0, err
	}
	defer img.Close()
	defer work.Close()

	o := baseOpts(opts, img, work, "restore.log")
	o.Root = proto.String(opts.Root)
	o.RstSibling = proto.Bool(true)

	if opts.CgroupPath != "" {
		o.CgRoot = append(o.CgRoot, &rpc.CgroupRoot{Path: proto.String(opts.CgroupPath)})
	}

	for _, m := range opts.Mounts {
		o.ExtMnt = append(o.ExtMnt, &rpc.ExtMountMap{
			Key: proto.String(m.Destination),
			Val: proto.String(m.Source),
		})
	}

	nfy := &restoreNotify{}
	if err := restore(cr, o, nfy); err != nil {
		return 0, fmt.Errorf("criu restore (see %s): %w", filepath.Join(work.Name(), "restore.log"), err)
	}

	if nfy.pid == 0 {
		return 0, errors.New("criu restore did not report a pid")
	}

	return int(nfy.pid), nil
}

// restoreNotify records the pid of the restored root process.
type restoreNotify struct {
	criu.NoNotify
	pid int32
}

func (n *restoreNotify) PostRestore(pid int32) error {
	n.pid = pid
	return nil
}

// go-criu releases differ on whether Dump and Restore also return the
// CRIU response, which isn't needed here.
type (
	dumpErr  interface{ Dump(*rpc.CriuOpts, criu.Notify) error }
	dumpResp interface {
		Dump(*rpc.CriuOpts, criu.Notify) (*rpc.CriuResp, error)
	}
	restoreErr  interface{ Restore(*rpc.CriuOpts, criu.Notify) error }
	restoreResp interface {
		Restore(*rpc.CriuOpts, criu.Notify) (*rpc.CriuResp, error)
	}
)

func dump(c any, o *rpc.CriuOpts) error {
	switch d := c.(type) {
	case dumpErr:
		return d.Dump(o, criu.NoNotify{})
	case dumpResp:
		_, err := d.Dump(o, criu.NoNotify{})
		return err
	}

	return errors.New("unsupported criu client")
}

func restore(c any, o *rpc.CriuOpts, nfy criu.Notify) error {
	switch r := c.(type) {
	case restoreErr:
		return r.Restore(o, nfy)
	case restoreResp:
		_, err := r.Restore(o, nfy)
		return err
	}

	return errors.New("unsupported criu client")
}
