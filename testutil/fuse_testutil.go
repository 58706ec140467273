// Package testutil mounts filesystems in-process for tests.
package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// InProcessFUSEConfig holds configuration for starting an in-process FUSE server.
type InProcessFUSEConfig struct {
	MountPoint string
	Debug      bool
	Timeout    time.Duration // how long to wait for the mount to answer; zero means 10s
	Root       fs.InodeEmbedder
}

// InProcessFUSEServer is a mounted in-process FUSE server.
type InProcessFUSEServer struct {
	Server     *fuse.Server
	MountPoint string
}

// FUSEAvailable reports whether this machine can mount FUSE filesystems
// as the current user.
func FUSEAvailable() bool {
	if _, err := os.Stat("/dev/fuse"); err != nil {
		return false
	}
	for _, bin := range []string{"fusermount3", "fusermount"} {
		if _, err := exec.LookPath(bin); err == nil {
			return true
		}
	}
	return false
}

// StartInProcessFUSE mounts config.Root at config.MountPoint and waits until
// the mount answers a stat.
func StartInProcessFUSE(config *InProcessFUSEConfig) (*InProcessFUSEServer, error) {
	if config.MountPoint == "" {
		return nil, fmt.Errorf("mount point is required")
	}
	if config.Root == nil {
		return nil, fmt.Errorf("root node is required")
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	// Zero kernel timeouts: tests observe every call.
	opts := &fs.Options{}
	opts.Debug = config.Debug
	entryTimeout := time.Duration(0)
	attrTimeout := time.Duration(0)
	negativeTimeout := time.Duration(0)
	opts.EntryTimeout = &entryTimeout
	opts.AttrTimeout = &attrTimeout
	opts.NegativeTimeout = &negativeTimeout

	fssrv, err := fs.Mount(config.MountPoint, config.Root, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to mount FUSE filesystem: %w", err)
	}
	server := &InProcessFUSEServer{Server: fssrv, MountPoint: config.MountPoint}

	if err := server.waitForMount(timeout); err != nil {
		server.Stop()
		return nil, fmt.Errorf("FUSE mount failed to become ready: %w", err)
	}
	return server, nil
}

// waitForMount polls the mount point until go-fuse's server is answering.
func (s *InProcessFUSEServer) waitForMount(timeout time.Duration) error {
	errc := make(chan error, 1)
	go func() { errc <- s.Server.WaitMount() }()
	select {
	case err := <-errc:
		if err != nil {
			return err
		}
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for FUSE mount at %s", s.MountPoint)
	}
	if _, err := os.Stat(s.MountPoint); err != nil {
		return err
	}
	return nil
}

// Stop unmounts the filesystem.
func (s *InProcessFUSEServer) Stop() error {
	if s.Server == nil {
		return nil
	}
	if err := s.Server.Unmount(); err != nil {
		return fmt.Errorf("failed to unmount FUSE filesystem: %w", err)
	}
	return nil
}

// Mount mounts root on a fresh temporary directory and unmounts it when the
// test finishes. The test is skipped when FUSE is unavailable.
func Mount(t *testing.T, root fs.InodeEmbedder) string {
	t.Helper()
	if !FUSEAvailable() {
		t.Skip("FUSE not available, skipping mount test")
	}

	mountPoint := t.TempDir()
	server, err := StartInProcessFUSE(&InProcessFUSEConfig{
		MountPoint: mountPoint,
		Timeout:    5 * time.Second,
		Root:       root,
	})
	if err != nil {
		t.Skipf("cannot mount FUSE filesystem: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("unmount: %v", err)
		}
	})
	return mountPoint
}
