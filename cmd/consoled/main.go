// Command consoled is the proxy-side supervisor (spec component C5): it
// watches store-driven link configuration and keeps one per-link proxy
// running for every enabled, configured link.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/librescoot/console-proxy/pkg/config"
	"github.com/librescoot/console-proxy/pkg/store"
	"github.com/librescoot/console-proxy/pkg/supervisor"
)

var (
	verbose           = flag.Bool("v", false, "log binary payloads and per-link heartbeat traffic")
	redisAddr         = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass         = flag.String("redis-pass", "", "Redis password")
	redisDB           = flag.Int("redis-db", 0, "Redis database number")
	symlinkPrefixFile = flag.String("symlink-prefix-file", config.SymlinkPrefixPath, "one-line file overriding the default /dev/VC0- symlink prefix")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	if os.Getenv("CONSOLE_PROXY_VERBOSE") == "1" {
		*verbose = true
	}

	log.Printf("Starting console-proxy supervisor")
	log.Printf("Redis address: %s", *redisAddr)

	symlinkPrefix, err := config.ResolveSymlinkPrefix(*symlinkPrefixFile)
	if err != nil {
		log.Fatalf("Failed to resolve symlink prefix: %v", err)
	}
	log.Printf("Symlink prefix: %s", symlinkPrefix)

	redisStore, err := store.New(*redisAddr, *redisPass, *redisDB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisStore.Close()
	log.Printf("Connected to Redis")

	sup := supervisor.New(supervisor.Config{
		Store:         redisStore,
		SymlinkPrefix: symlinkPrefix,
		Verbose:       *verbose,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("Shutting down...")
		sup.Stop()
	}()

	sup.Run()
	log.Printf("Stopped")
}
