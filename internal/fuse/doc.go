/*
Package fuse provides an optional FUSE filesystem view of a replicafed
federation.

This package projects the federation's six client verbs onto a local
mountpoint through the retrying client library, so a running federation
can be explored and manually tested with ordinary shell tools. It is an
adapter outside the control-plane core, not a general-purpose network
filesystem.

# Architecture Overview

The FUSE layer bridges POSIX applications and the federation's router:

	┌─────────────────────────────────────────────┐
	│              User Applications              │
	│            (ls, cat, cp, vim)               │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              Kernel VFS Layer               │
	│           (POSIX System Calls)              │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│          replicafed FUSE Layer              │  ← This Package
	│   (go-fuse/v2 fs nodes over pkg/client)     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│            Federation Router                │
	│      (routes each verb to a family)         │
	└─────────────────────────────────────────────┘

# Semantics and Limitations

The federation namespace is flat and offers no listing operation, so
the mount exposes a single directory whose entries appear lazily: a
name becomes visible after a lookup, create, or rename has touched it.
Reads buffer the whole file per open handle; writes are buffered per
handle and pushed as one whole-file write on flush, matching the
store's whole-value write semantics. Offsets and partial I/O are
composed locally, never sent over the wire.

# Usage

	c := client.New(client.DefaultConfig("10.0.0.1:7000"), logger)
	filesystem := fuse.NewFileSystem(c, nil)
	manager := fuse.NewMountManager(filesystem, &fuse.MountConfig{
		MountPoint: "/mnt/replicafed",
	})
	if err := manager.Mount(ctx); err != nil {
		log.Fatal(err)
	}
	defer manager.Unmount()
	manager.Wait()
*/
package fuse
