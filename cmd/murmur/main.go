// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program murmur runs and talks to the nodes of a murmur mesh.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/murmur"
	"github.com/creachadair/murmur/discovery"
	"github.com/creachadair/murmur/handler"
	"github.com/creachadair/murmur/peers"
)

var flags settings

func main() {
	root := &command.C{
		Name:  filepath.Base(os.Args[0]),
		Usage: "<command> [arguments]",
		Help: `Run and interact with the nodes of a murmur mesh.

Settings are taken from flags, then MURMUR_* environment variables (an .env
file in the working directory is loaded first, if present), then the file
named by --config. For example, --log-level may also be set by the variable
MURMUR_LOG_LEVEL or the config key log-level.`,

		SetFlags: command.Flags(flax.MustBind, &flags),

		Commands: []*command.C{
			{
				Name: "serve",
				Help: `Run a node until interrupted.

The node answers calls to the "greeting" route with a greeting for the name
in the request, {"name": "..."}, and logs events published to the
"notifications" topic.`,
				Run: runServe,
			},
			{
				Name:  "call",
				Usage: "<peer> <route> [payload]",
				Help:  "Call a route on the named peer and print the response payload.",
				Run:   runCall,
			},
			{
				Name:  "publish",
				Usage: "<topic> [payload]",
				Help:  "Publish an event on a topic to every discoverable peer.",
				Run:   runPublish,
			},
			{
				Name: "peers",
				Help: "List the peers visible to discovery.",
				Run:  runPeers,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

type greetRequest struct {
	Name string `json:"name"`
}

type greetReply struct {
	Greeting string `json:"greeting"`
}

type notification struct {
	Message string `json:"message"`
}

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	n, disc, log, err := newNode("murmur")
	if err != nil {
		return err
	}
	defer disc.Close()

	n.Handle("greeting", handler.ParamResult(func(_ context.Context, req greetRequest) greetReply {
		return greetReply{Greeting: "Hello, " + req.Name + "!"}
	}))
	n.Subscribe("notifications", handler.Event(func(ctx context.Context, note notification) error {
		log.Info("notification", "from", handler.ContextEnvelope(ctx).Origin, "message", note.Message)
		return nil
	}))

	ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return peers.Run(ctx, n)
}

func runCall(env *command.Env) error {
	if len(env.Args) < 2 || len(env.Args) > 3 {
		return env.Usagef("wrong number of arguments")
	}
	var payload []byte
	if len(env.Args) == 3 {
		payload = []byte(env.Args[2])
	}
	return withClient(env.Context(), func(ctx context.Context, n *murmur.Node) error {
		rsp, err := n.Call(ctx, env.Args[0], env.Args[1], payload)
		if err != nil {
			var ce *murmur.CallError
			if errors.As(err, &ce) && ce.CallID != "" {
				return fmt.Errorf("call %s: %w", ce.CallID, err)
			}
			return err
		}
		fmt.Printf("%s\n", rsp)
		return nil
	})
}

func runPublish(env *command.Env) error {
	if len(env.Args) < 1 || len(env.Args) > 2 {
		return env.Usagef("wrong number of arguments")
	}
	var payload []byte
	if len(env.Args) == 2 {
		payload = []byte(env.Args[1])
	}
	return withClient(env.Context(), func(ctx context.Context, n *murmur.Node) error {
		return n.Publish(ctx, env.Args[0], payload)
	})
}

func runPeers(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	v, err := flags.load()
	if err != nil {
		return err
	}
	log, err := newLogger(v, os.Stderr)
	if err != nil {
		return err
	}
	disc, err := newDiscovery(v, log)
	if err != nil {
		return err
	}
	defer disc.Close()

	tw := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tTRANSPORT\tCODEC")
	for _, d := range disc.List(env.Context()) {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, d.Addr(), d.Transport, d.Codec)
	}
	return tw.Flush()
}

// newNode constructs an unstarted node from the current settings, along
// with its discovery. The caller must close the discovery after the node
// has stopped.
func newNode(prefix string) (*murmur.Node, discovery.Discovery, *slog.Logger, error) {
	v, err := flags.load()
	if err != nil {
		return nil, nil, nil, err
	}
	log, err := newLogger(v, os.Stderr)
	if err != nil {
		return nil, nil, nil, err
	}
	disc, err := newDiscovery(v, log)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := nodeConfig(v, prefix, disc, log)
	if err == nil {
		var n *murmur.Node
		n, err = murmur.NewNode(cfg)
		if err == nil {
			return n, disc, log, nil
		}
	}
	disc.Close()
	return nil, nil, nil, err
}

// withClient runs f with a short-lived node that is stopped when f returns.
func withClient(ctx context.Context, f func(context.Context, *murmur.Node) error) error {
	n, disc, _, err := newNode("murmur-cli")
	if err != nil {
		return err
	}
	defer disc.Close()
	if err := n.Start(ctx); err != nil {
		return err
	}
	ferr := f(ctx, n)
	return errors.Join(ferr, n.Stop())
}
