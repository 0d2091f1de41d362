package fuse

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountManager manages FUSE mount operations
type MountManager struct {
	filesystem *FileSystem
	server     *fuse.Server
	config     *MountConfig
	mounted    bool
}

// MountConfig contains mount-specific configuration
type MountConfig struct {
	MountPoint string        `yaml:"mount_point"`
	Options    *MountOptions `yaml:"options"`
}

// MountOptions contains FUSE mount options
type MountOptions struct {
	ReadOnly   bool `yaml:"read_only"`
	AllowOther bool `yaml:"allow_other"`

	Debug        bool          `yaml:"debug"`
	FSName       string        `yaml:"fsname"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// NewMountManager creates a new mount manager
func NewMountManager(filesystem *FileSystem, config *MountConfig) *MountManager {
	if config == nil {
		config = &MountConfig{
			Options: &MountOptions{
				AttrTimeout:  time.Second,
				EntryTimeout: time.Second,
				FSName:       "replicafed",
			},
		}
	}
	if config.Options == nil {
		config.Options = &MountOptions{
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
			FSName:       "replicafed",
		}
	}
	return &MountManager{
		filesystem: filesystem,
		config:     config,
	}
}

// Mount mounts the filesystem at the configured mount point
func (m *MountManager) Mount(ctx context.Context) error {
	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}

	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	opts := m.buildFUSEOptions()

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), opts)
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	m.server = server
	m.mounted = true

	log.Printf("replicafed mounted at %s", m.config.MountPoint)

	go func() {
		m.server.Wait()
		m.mounted = false
	}()

	return nil
}

// Unmount unmounts the filesystem
func (m *MountManager) Unmount() error {
	if !m.mounted || m.server == nil {
		return nil
	}
	if err := m.server.Unmount(); err != nil {
		return fmt.Errorf("failed to unmount filesystem: %w", err)
	}
	m.mounted = false
	return nil
}

// Wait blocks until the FUSE server exits
func (m *MountManager) Wait() {
	if m.server != nil {
		m.server.Wait()
	}
}

// IsMounted reports whether the filesystem is currently mounted
func (m *MountManager) IsMounted() bool {
	return m.mounted
}

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return fmt.Errorf("mount point is required")
	}
	abs, err := filepath.Abs(m.config.MountPoint)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point %s does not exist", abs)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point %s is not a directory", abs)
	}
	m.config.MountPoint = abs
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	o := m.config.Options
	attrTimeout := o.AttrTimeout
	entryTimeout := o.EntryTimeout

	opts := &fs.Options{
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
		MountOptions: fuse.MountOptions{
			Debug:      o.Debug,
			AllowOther: o.AllowOther,
			FsName:     o.FSName,
			Name:       "replicafed",
		},
	}
	if o.ReadOnly {
		opts.MountOptions.Options = append(opts.MountOptions.Options, "ro")
	}
	return opts
}
