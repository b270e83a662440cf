package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshchat/internal/config"
	"meshchat/internal/crypto"
	"meshchat/internal/debuglog"
	"meshchat/internal/mesh"
	"meshchat/internal/metrics"
	"meshchat/internal/network"
	"meshchat/internal/pprofutil"
	"meshchat/internal/store"
	"meshchat/internal/uibridge"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], os.Stdin, stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: meshchat-node <run|status|keygen> [args]")
	fmt.Fprintln(w, "  run     [--config meshchat.yaml] [--debug] [--repl]")
	fmt.Fprintln(w, "  status  [--config meshchat.yaml]")
	fmt.Fprintln(w, "  keygen  [--config meshchat.yaml]")
}

func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	path := fs.String("config", "", "config file (yaml)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(*path)
}

func runNode(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	debug := fs.Bool("debug", false, "enable debug logging")
	repl := fs.Bool("repl", false, "read commands from stdin")
	path := fs.String("config", "", "config file (yaml)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("MESHCHAT_DEBUG", "1")
	}
	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	defer debuglog.Sync()
	if cfg.Node.Pprof != "" {
		prof, err := pprofutil.Start(cfg.Node.Pprof, false)
		if err != nil {
			fmt.Fprintf(stderr, "pprof: %v\n", err)
			return 1
		}
		defer prof.Close()
		fmt.Fprintf(stderr, "pprof enabled: http://%s/debug/pprof/\n", prof.Addr)
	}

	key, err := crypto.LoadOrCreateStaticKey(cfg.KeyDir())
	if err != nil {
		fmt.Fprintf(stderr, "load key failed: %v\n", err)
		return 1
	}
	var journal *store.Journal
	if cfg.Outbox.Persist {
		if journal, err = store.NewJournal(cfg.OutboxJournalPath()); err != nil {
			fmt.Fprintf(stderr, "open outbox journal failed: %v\n", err)
			return 1
		}
	}
	radio := network.NewRadio(network.Options{
		Listen:         cfg.Radio.Listen,
		Neighbors:      cfg.Radio.Neighbors,
		MaxConnsPerIP:  cfg.Radio.MaxConnsPerIP,
		DialBackoffMax: cfg.Radio.BackoffCap,
	})
	favs := newFavorites(cfg.Node.Favorites)
	opts := mesh.OptionsFromConfig(cfg)
	opts.Key = key
	opts.Driver = radio
	opts.Journal = journal
	opts.Collaborator = favs
	opts.MetricsFile = cfg.MetricsPath()
	svc, err := mesh.New(opts)
	if err != nil {
		fmt.Fprintf(stderr, "init failed: %v\n", err)
		return 1
	}
	favs.bind(svc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := svc.StartServices(ctx); err != nil {
		fmt.Fprintf(stderr, "start failed: %v\n", err)
		return 1
	}
	defer func() {
		if err := svc.StopServices(); err != nil {
			debuglog.Warnf("stop: %v", err)
		}
	}()
	banner(stdout, cfg, svc.MyPeerID(), crypto.Fingerprint(key.Public()))

	sub := svc.Subscribe()
	defer sub.Close()
	go printEvents(stdout, sub.C())

	if cfg.Bridge.Listen != "" {
		if !pprofutil.IsLoopback(cfg.Bridge.Listen) {
			fmt.Fprintf(stderr, "WARNING: ui bridge on %s is reachable from the network\n", cfg.Bridge.Listen)
		}
		ln, err := net.Listen("tcp", cfg.Bridge.Listen)
		if err != nil {
			fmt.Fprintf(stderr, "bridge listen failed: %v\n", err)
			return 1
		}
		bridge := uibridge.New(svc, uibridge.Options{AllowedOrigins: cfg.Bridge.AllowedOrigins})
		go func() {
			if err := bridge.Serve(ln); err != nil {
				debuglog.Warnf("bridge: %v", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = bridge.Shutdown(sctx)
		}()
	}

	if *repl {
		go func() {
			runRepl(ctx, bufio.NewScanner(stdin), stdout, svc)
			stop()
		}()
	}
	<-ctx.Done()
	fmt.Fprintln(stdout, "shutting down")
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	snap, err := metrics.ReadSnapshot(cfg.MetricsPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(stdout, "status: no metrics snapshot; is the node running?")
		} else {
			fmt.Fprintf(stdout, "status: %v\n", err)
		}
		return 1
	}
	printSnapshot(stdout, snap)
	return 0
}

func printSnapshot(w io.Writer, snap metrics.Snapshot) {
	fmt.Fprintf(w, "Snapshot at %s\n", snap.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  links: %d\n", snap.Transport.CurrentLinks)
	fmt.Fprintf(w, "  frames: sent=%d errors=%d\n", snap.Transport.FramesSent, snap.Transport.SendErrors)
	fmt.Fprintf(w, "  router: delivered=%d relayed=%d duplicate=%d malformed=%d\n",
		snap.Router.Delivered, snap.Router.Relayed, snap.Router.DropDuplicate, snap.Router.DropMalformed)
	fmt.Fprintf(w, "  crypto: sealed=%d opened=%d decrypt_drop=%d key_rejected=%d\n",
		snap.Crypto.Sealed, snap.Crypto.Opened, snap.Crypto.DropDecrypt, snap.Crypto.KeyRejected)
	fmt.Fprintf(w, "  delivery: acked=%d read=%d resent=%d failed=%d\n",
		snap.Delivery.Acked, snap.Delivery.Read, snap.Delivery.Resent, snap.Delivery.Failed)
	fmt.Fprintf(w, "  outbox: held=%d replayed=%d evicted=%d expired=%d\n",
		snap.Outbox.Enqueued, snap.Outbox.Replayed, snap.Outbox.Evicted, snap.Outbox.Expired)
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	key, err := crypto.LoadOrCreateStaticKey(cfg.KeyDir())
	if err != nil {
		fmt.Fprintf(stderr, "keygen failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "fingerprint=%s dir=%s\n", crypto.Fingerprint(key.Public()), cfg.KeyDir())
	return 0
}
