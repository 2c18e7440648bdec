package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/metafield/internal/engine"
	"github.com/mesh-intelligence/metafield/internal/fieldfile"
	"github.com/mesh-intelligence/metafield/internal/httpapi"
	"github.com/mesh-intelligence/metafield/internal/log"
	"github.com/mesh-intelligence/metafield/internal/pubsub"
	"github.com/mesh-intelligence/metafield/internal/relay"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

// pruneInterval is how often the server purges resolved changes when a
// retention window is configured.
const pruneInterval = time.Hour

func newServeCmd(a *app) *cobra.Command {
	var (
		addr      string
		followLog bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, compliance workers and NATS relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.HTTP.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, addr, followLog, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: http.addr)")
	cmd.Flags().BoolVar(&followLog, "follow-log", false, "stream log entries to stderr")
	return cmd
}

func (a *app) serve(ctx context.Context, addr string, followLog bool, stderr io.Writer) error {
	if followLog && a.cfg.Log.File == "" {
		level, err := log.ParseLevel(a.cfg.Log.Level)
		if err != nil {
			return err
		}
		defer log.InitWriter(io.Discard, level)()
	}
	events := pubsub.NewBroker[types.ChangeEvent]()
	defer events.Close()
	opts := engine.Options{Events: events}

	var subjects relay.Subjects
	if a.cfg.NATS.URL != "" {
		conn, err := relay.Connect(a.cfg.NATS.URL, "metafield")
		if err != nil {
			return err
		}
		defer conn.Drain() //nolint:errcheck
		subjects = relay.Subjects{Prefix: a.cfg.NATS.SubjectPrefix}
		go relay.NewPublisher(conn, subjects).Run(ctx, events)
		if a.cfg.Compliance.Enabled {
			opts.Scorer = relay.NewScorer(conn, subjects)
		}
		s, err := a.open(ctx, opts)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := relay.NewSuggestionListener(conn, subjects, s.svc).Start(ctx); err != nil {
			return err
		}
		return a.run(ctx, s, addr, followLog, stderr)
	}

	if a.cfg.Compliance.Enabled {
		log.Warn(log.CatConfig, "compliance.enabled without nats.url: scores must be posted to the HTTP API")
	}
	s, err := a.open(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()
	return a.run(ctx, s, addr, followLog, stderr)
}

// run loads the field file, starts the background loops and serves HTTP
// until ctx is done.
func (a *app) run(ctx context.Context, s *session, addr string, followLog bool, stderr io.Writer) error {
	if followLog {
		go streamLog(ctx, stderr)
	}
	if path := a.cfg.Fields.File; path != "" {
		if _, err := fieldfile.Import(ctx, s.svc.Registry, path); err != nil {
			return err
		}
		if a.cfg.Fields.Watch {
			w, err := fieldfile.NewWatcher(path, s.svc.Registry, 0)
			if err != nil {
				return err
			}
			go func() {
				if err := w.Run(ctx); err != nil {
					log.ErrorErr(log.CatWatcher, "Field watcher stopped", err)
				}
			}()
		}
	}
	if retention := a.cfg.Audit.Retention; retention > 0 {
		go prune(ctx, s.svc, retention)
	}

	srv := httpapi.NewServer(s.svc,
		httpapi.WithMetrics(s.metrics.Handler()),
		httpapi.WithTracer(s.tracing.Tracer()))
	return srv.Serve(ctx, addr)
}

func prune(ctx context.Context, svc *engine.Service, retention time.Duration) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		if n, err := svc.Purge(ctx, retention); err != nil {
			log.ErrorErr(log.CatWorkflow, "Pruning resolved changes failed", err)
		} else if n > 0 {
			log.Info(log.CatWorkflow, "Pruned resolved changes", "count", n)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func streamLog(ctx context.Context, w io.Writer) {
	ch := log.Subscribe(ctx)
	if ch == nil {
		return
	}
	for ev := range ch {
		fmt.Fprint(w, ev.Payload)
	}
}
