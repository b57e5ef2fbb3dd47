// Command flowctl manages flowgate topology in Redis and talks to a running gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kailas-cloud/flowgate/internal/version"
)

const usage = `Usage: flowctl <command> [flags]

Commands:
  graph push <file>         validate and store a graph description
  graph show                print the stored graph description
  graph validate <file>     check a graph description without storing it
  registry add              register an endpoint (-deployment, -address, -head, -shard)
  registry remove           deregister an endpoint (-deployment, -address)
  registry drop <name>      deregister every endpoint of a deployment
  registry list [name]      list registered endpoints
  endpoints                 list exec endpoints served by a gateway
  health                    check gateway health
  post <text>...            send one document per argument to a gateway
  version                   print the build version

Environment (also read from .env):
  FLOWGATE_REDIS_ADDRS      comma separated Redis addresses (default localhost:6379)
  FLOWGATE_REDIS_PASSWORD   Redis password
  FLOWGATE_REDIS_MASTER_SET sentinel master name, addresses are then sentinels
  FLOWGATE_NAMESPACE        key namespace (default flowgate)
  FLOWGATE_TARGET           gateway address (default localhost:51000)
`

var errUsage = errors.New("invalid usage")

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintln(os.Stderr, "flowctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "graph":
		return runGraph(ctx, args[1:], out)
	case "registry":
		return runRegistry(ctx, args[1:], out)
	case "endpoints":
		return runEndpoints(ctx, args[1:], out)
	case "health":
		return runHealth(ctx, args[1:], out)
	case "post":
		return runPost(ctx, args[1:], out)
	case "version":
		_, err := fmt.Fprintln(out, "flowctl", version.String())
		return err
	case "help", "-h", "--help":
		_, err := fmt.Fprint(out, usage)
		return err
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func redisAddrs() []string {
	var addrs []string
	for _, a := range strings.Split(envOr("FLOWGATE_REDIS_ADDRS", "localhost:6379"), ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}
