// Command mountclient mounts a FUSE view of a running federation, an
// optional convenience for exploring the namespace with shell tools.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/replicafed/replicafed/internal/fuse"
	"github.com/replicafed/replicafed/pkg/client"
	"github.com/replicafed/replicafed/pkg/utils"
)

func main() {
	routerAddr := flag.String("router-addr", "127.0.0.1:7000", "router address")
	mountPoint := flag.String("mount", "", "mount point directory")
	readOnly := flag.Bool("ro", false, "mount read-only")
	debug := flag.Bool("debug", false, "enable FUSE debug output")
	flag.Parse()

	if *mountPoint == "" {
		fmt.Fprintln(os.Stderr, "mountclient: -mount is required")
		os.Exit(1)
	}

	logger, err := utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "mountclient: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	c := client.New(client.DefaultConfig(*routerAddr), logger)
	filesystem := fuse.NewFileSystem(c, nil)
	manager := fuse.NewMountManager(filesystem, &fuse.MountConfig{
		MountPoint: *mountPoint,
		Options: &fuse.MountOptions{
			ReadOnly: *readOnly,
			Debug:    *debug,
			FSName:   "replicafed",
		},
	})

	ctx := context.Background()
	if err := manager.Mount(ctx); err != nil {
		logger.Fatal("mount failed", map[string]interface{}{"error": err.Error()})
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		_ = manager.Unmount()
	}()

	manager.Wait()
}
