package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/skratchdot/open-golang/open"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"swarmd/internal/api"
	"swarmd/internal/config"
	"swarmd/internal/swarm"
	"swarmd/internal/torrent"
	"swarmd/pkg/logger"
)

const usage = `usage: swarmd <command> [flags] [args]

commands:
  seed <path>...        hash files or directories and seed them
  download <id>         fetch a magnet URI, info-hash or .torrent file
  serve [id]...         run the HTTP file server, optionally adding torrents
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}
	cmd := args[0]

	fs := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	config.Flags(fs)
	serveHTTP := fs.Bool("serve", false, "also run the HTTP file server")
	openPlayer := fs.Bool("open", false, "open the first file's stream URL when the server starts")
	keepSeeding := fs.Bool("keep-seeding", false, "keep seeding after a download completes")
	quiet := fs.Bool("quiet", false, "do not print progress")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage, "\nflags:\n", fs.FlagUsages())
	}
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(fs)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log := logger.NewConsoleLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := torrent.NewClient(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Destroy()

	g, ctx := errgroup.WithContext(ctx)
	var torrents []*torrent.Torrent

	switch cmd {
	case "seed":
		if fs.NArg() == 0 {
			return errors.New("seed needs at least one path")
		}
		var input interface{} = fs.Args()
		if fs.NArg() == 1 {
			input = fs.Arg(0)
		}
		t, err := client.Seed(ctx, input, torrent.Options{})
		if err != nil {
			return err
		}
		fmt.Println(t.Info().MagnetURI())
		torrents = append(torrents, t)

	case "download":
		if fs.NArg() != 1 {
			return errors.New("download needs exactly one magnet URI, info-hash or .torrent file")
		}
		t, err := add(ctx, client, fs.Arg(0))
		if err != nil {
			return err
		}
		torrents = append(torrents, t)
		if !*keepSeeding && !*serveHTTP {
			g.Go(func() error { return waitComplete(ctx, client, t) })
		}

	case "serve":
		*serveHTTP = true
		for _, id := range fs.Args() {
			t, err := add(ctx, client, id)
			if err != nil {
				return err
			}
			torrents = append(torrents, t)
		}

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}

	// Runs until interrupted or until another goroutine fails.
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !*quiet {
		g.Go(func() error {
			printProgress(ctx, torrents)
			return nil
		})
	}

	if *serveHTTP {
		if err := startServer(ctx, g, cfg, log, client, torrents, *openPlayer); err != nil {
			return err
		}
	}

	err = g.Wait()
	if errors.Is(err, errDone) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var errDone = errors.New("download complete")

func add(ctx context.Context, client *torrent.Client, id string) (*torrent.Torrent, error) {
	if strings.HasSuffix(id, ".torrent") {
		raw, err := os.ReadFile(id)
		if err != nil {
			return nil, fmt.Errorf("failed to read torrent file: %w", err)
		}
		return client.AddBytes(ctx, raw, torrent.Options{})
	}
	return client.Add(ctx, id, torrent.Options{})
}

// waitComplete returns errDone once t has every piece, stopping the
// command.
func waitComplete(ctx context.Context, client *torrent.Client, t *torrent.Torrent) error {
	events, unsubscribe := client.Subscribe()
	defer unsubscribe()
	if st := t.Store(); st != nil && st.Complete() {
		return errDone
	}

	for {
		select {
		case e := <-events:
			if e.InfoHash == t.InfoHash() && e.Kind == swarm.Completed {
				fmt.Fprintf(os.Stderr, "\n%s: download complete\n", t.Name())
				return errDone
			}
		case <-t.Done():
			return torrent.ErrRemoved
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func startServer(ctx context.Context, g *errgroup.Group, cfg *config.Config, log zerolog.Logger, client *torrent.Client, torrents []*torrent.Torrent, openPlayer bool) error {
	tracer, closer, err := api.NewTracer(cfg)
	if err != nil {
		return err
	}
	router, err := api.NewRouter(cfg, log, client, tracer)
	if err != nil {
		closer.Close()
		return err
	}
	srv := api.NewServer(cfg, router)
	ln, url, err := api.Listen(srv)
	if err != nil {
		closer.Close()
		return err
	}
	log.Info().Str("url", url).Msg("Server started")

	g.Go(func() error {
		defer closer.Close()
		if err := api.RunServer(ctx, srv, ln, cfg.ShutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if openPlayer && len(torrents) > 0 {
		stream := fmt.Sprintf("%s/stream/%s/0", url, torrents[0].InfoHash())
		if err := open.Run(stream); err != nil {
			log.Warn().Err(err).Str("url", stream).Msg("Failed to open player")
		}
	}
	return nil
}

func printProgress(ctx context.Context, torrents []*torrent.Torrent) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var line []string
		for _, t := range torrents {
			st, err := t.Stats(ctx)
			if err != nil {
				continue
			}
			line = append(line, fmt.Sprintf("%s: %.1f%% %s/s down %s/s up, %d peers",
				t.Name(),
				st.Progress()*100,
				humanize.Bytes(uint64(st.DownloadRate)),
				humanize.Bytes(uint64(st.UploadRate)),
				st.NumPeers))
		}
		fmt.Fprintf(os.Stderr, "\r%s   ", strings.Join(line, " | "))
	}
}
