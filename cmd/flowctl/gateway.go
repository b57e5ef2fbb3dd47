package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kailas-cloud/flowgate"
)

// clientFlags are shared by the commands that talk to a gateway.
type clientFlags struct {
	target      string
	compression string
	timeout     time.Duration
}

func (c *clientFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.target, "target", envOr("FLOWGATE_TARGET", "localhost:51000"), "gateway address")
	fs.StringVar(&c.compression, "compression", "none", "wire compression: none, gzip, zstd, lz4")
	fs.DurationVar(&c.timeout, "timeout", 30*time.Second, "overall deadline")
}

func (c *clientFlags) dial() (*flowgate.Client, error) {
	return flowgate.New(c.target, flowgate.WithCompression(c.compression))
}

func parseClientFlags(name string, args []string) (*clientFlags, *flag.FlagSet, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cf := &clientFlags{}
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	return cf, fs, nil
}

func runEndpoints(ctx context.Context, args []string, out io.Writer) error {
	cf, _, err := parseClientFlags("endpoints", args)
	if err != nil {
		return err
	}
	c, err := cf.dial()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, cf.timeout)
	defer cancel()
	eps, err := c.Endpoints(ctx)
	if err != nil {
		return err
	}
	for _, ep := range eps {
		fmt.Fprintln(out, ep)
	}
	return nil
}

func runHealth(ctx context.Context, args []string, out io.Writer) error {
	cf, _, err := parseClientFlags("health", args)
	if err != nil {
		return err
	}
	c, err := cf.dial()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, cf.timeout)
	defer cancel()
	if err := c.Health(ctx); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, "serving")
	return err
}

// postFlags extends clientFlags with the request shaping options of post.
type postFlags struct {
	clientFlags
	endpoint    string
	requestSize int
	attempts    int
	stream      bool
	params      string
}

func runPost(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("post", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	pf := &postFlags{}
	pf.register(fs)
	fs.StringVar(&pf.endpoint, "endpoint", "/", "exec endpoint")
	fs.IntVar(&pf.requestSize, "request-size", 100, "documents per request")
	fs.IntVar(&pf.attempts, "max-attempts", 3, "attempts per request")
	fs.BoolVar(&pf.stream, "stream", false, "use the bidirectional stream")
	fs.StringVar(&pf.params, "params", "", "comma separated key=value request parameters")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("%w: post needs at least one document text", errUsage)
	}

	params, err := parseParams(pf.params)
	if err != nil {
		return err
	}
	docs := make([]*flowgate.Document, fs.NArg())
	for i, text := range fs.Args() {
		docs[i] = flowgate.NewDocument(uuid.NewString(), text)
	}

	c, err := pf.dial()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, pf.timeout)
	defer cancel()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	opts := []flowgate.PostOption{
		flowgate.WithRequestSize(pf.requestSize),
		flowgate.WithMaxAttempts(pf.attempts),
		flowgate.WithParameters(params),
		flowgate.OnDone(func(r *flowgate.Response) { _ = enc.Encode(r) }),
	}
	if pf.stream {
		opts = append(opts, flowgate.WithStream())
	}
	return c.Post(ctx, pf.endpoint, flowgate.Docs(docs...), opts...)
}

// parseParams turns "k=v,n=1" into scalar parameters. Numbers and booleans
// keep their type.
func parseParams(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	out := make(map[string]any)
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: parameter %q must be key=value", errUsage, kv)
		}
		switch {
		case v == "true" || v == "false":
			out[k] = v == "true"
		default:
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				out[k] = n
			} else {
				out[k] = v
			}
		}
	}
	return out, nil
}
