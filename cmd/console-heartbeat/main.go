// Command console-heartbeat is the terminal-side heartbeat emitter (spec
// component C6): it periodically writes HEARTBEAT frames to a serial
// device while a store-driven feature flag reads "yes". It reads nothing
// from the serial device and does not proxy a pty.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/librescoot/console-proxy/pkg/config"
	"github.com/librescoot/console-proxy/pkg/emitter"
	"github.com/librescoot/console-proxy/pkg/linkio"
	"github.com/librescoot/console-proxy/pkg/store"
)

var (
	verbose     = flag.Bool("v", false, "log every heartbeat sent")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass   = flag.String("redis-pass", "", "Redis password")
	redisDB     = flag.Int("redis-db", 0, "Redis database number")
	cmdlinePath = flag.String("cmdline", "/proc/cmdline", "platform boot-parameter source used when tty_name/baud are not given")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	if os.Getenv("CONSOLE_PROXY_VERBOSE") == "1" {
		*verbose = true
	}

	ttyName, baud, err := resolveConsole(flag.Args())
	if err != nil {
		log.Fatalf("Failed to determine console device: %v", err)
	}
	devicePath := "/dev/" + ttyName
	log.Printf("Console device: %s baud=%d", devicePath, baud)

	serial, err := linkio.OpenSerial(devicePath)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", devicePath, err)
	}
	defer serial.Close()

	if err := linkio.Configure(serial, baud); err != nil {
		log.Fatalf("Failed to configure %s: %v", devicePath, err)
	}

	redisStore, err := store.New(*redisAddr, *redisPass, *redisDB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisStore.Close()
	log.Printf("Connected to Redis")

	hb := emitter.New(emitter.Config{
		Serial:  serial,
		Store:   redisStore,
		Verbose: *verbose,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("Shutting down...")
		hb.Stop()
	}()

	hb.Run()
	log.Printf("Stopped")
}

// resolveConsole determines the tty name and baud from positional CLI
// arguments, falling back to the platform boot-parameter source when
// neither is given (§4.6 step 1).
func resolveConsole(args []string) (tty string, baud int, err error) {
	if len(args) >= 1 {
		baud = 9600
		if len(args) >= 2 {
			baud, err = store.ParseBaud(args[1])
			if err != nil {
				return "", 0, err
			}
		}
		return args[0], baud, nil
	}

	cp, err := config.ReadCmdline(*cmdlinePath)
	if err != nil {
		return "", 0, err
	}
	return cp.TTYName, cp.Baud, nil
}
