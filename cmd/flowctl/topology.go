package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	dbRedis "github.com/kailas-cloud/flowgate/internal/db/redis"
	"github.com/kailas-cloud/flowgate/internal/domain/graph"
	"github.com/kailas-cloud/flowgate/internal/domain/registry"
	"github.com/kailas-cloud/flowgate/internal/repository/topology"
)

func openRepo() (*topology.Repo, func(), error) {
	store, err := dbRedis.NewStore(dbRedis.Config{
		Addrs:      redisAddrs(),
		MasterSet:  os.Getenv("FLOWGATE_REDIS_MASTER_SET"),
		Password:   os.Getenv("FLOWGATE_REDIS_PASSWORD"),
		ClientName: "flowctl",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return topology.New(store, os.Getenv("FLOWGATE_NAMESPACE")), store.Close, nil
}

func readGraph(path string) (*graph.Description, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return graph.Parse(data)
}

func runGraph(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: graph needs a subcommand", errUsage)
	}
	switch args[0] {
	case "validate":
		if len(args) != 2 {
			return fmt.Errorf("%w: graph validate <file>", errUsage)
		}
		d, err := readGraph(args[1])
		if err != nil {
			return err
		}
		order, err := d.TopoOrder()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "ok: %d nodes, order %v\n", len(d.Nodes), order)
		return err

	case "push":
		if len(args) != 2 {
			return fmt.Errorf("%w: graph push <file>", errUsage)
		}
		d, err := readGraph(args[1])
		if err != nil {
			return err
		}
		repo, closeRepo, err := openRepo()
		if err != nil {
			return err
		}
		defer closeRepo()
		if err := repo.SaveGraph(ctx, d); err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "stored graph with %d nodes\n", len(d.Nodes))
		return err

	case "show":
		repo, closeRepo, err := openRepo()
		if err != nil {
			return err
		}
		defer closeRepo()
		d, err := repo.LoadGraph(ctx)
		if err != nil {
			return err
		}
		data, err := d.Marshal()
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err

	default:
		return fmt.Errorf("%w: unknown graph subcommand %q", errUsage, args[0])
	}
}

// parseRegistration reads the flags shared by registry add and remove.
func parseRegistration(name string, args []string) (registry.Registration, error) {
	fs := flag.NewFlagSet("registry "+name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var r registry.Registration
	fs.StringVar(&r.Deployment, "deployment", "", "deployment name")
	fs.StringVar(&r.Address, "address", "", "endpoint host:port")
	fs.BoolVar(&r.Head, "head", false, "the endpoint is the deployment head")
	fs.IntVar(&r.Shard, "shard", 0, "shard index of a replica")
	if err := fs.Parse(args); err != nil {
		return registry.Registration{}, fmt.Errorf("%w: %w", errUsage, err)
	}
	return r, r.Validate()
}

func runRegistry(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: registry needs a subcommand", errUsage)
	}
	switch args[0] {
	case "add", "remove":
		r, err := parseRegistration(args[0], args[1:])
		if err != nil {
			return err
		}
		repo, closeRepo, err := openRepo()
		if err != nil {
			return err
		}
		defer closeRepo()
		if args[0] == "add" {
			err = repo.Register(ctx, r)
		} else {
			err = repo.Deregister(ctx, r.Deployment, r.Address)
		}
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s %s/%s\n", args[0], r.Deployment, r.Address)
		return err

	case "drop":
		if len(args) != 2 {
			return fmt.Errorf("%w: registry drop <deployment>", errUsage)
		}
		repo, closeRepo, err := openRepo()
		if err != nil {
			return err
		}
		defer closeRepo()
		if err := repo.DropDeployment(ctx, args[1]); err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "dropped %s\n", args[1])
		return err

	case "list":
		if len(args) > 2 {
			return fmt.Errorf("%w: registry list [deployment]", errUsage)
		}
		repo, closeRepo, err := openRepo()
		if err != nil {
			return err
		}
		defer closeRepo()
		var regs []registry.Registration
		if len(args) == 2 {
			regs, err = repo.Deployment(ctx, args[1])
		} else {
			regs, err = repo.List(ctx)
		}
		if err != nil {
			return err
		}
		return printRegistrations(out, regs)

	default:
		return fmt.Errorf("%w: unknown registry subcommand %q", errUsage, args[0])
	}
}

func printRegistrations(out io.Writer, regs []registry.Registration) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEPLOYMENT\tADDRESS\tROLE")
	for _, r := range regs {
		role := fmt.Sprintf("shard %d", r.Shard)
		if r.Head {
			role = "head"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Deployment, r.Address, role)
	}
	return tw.Flush()
}
