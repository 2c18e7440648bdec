// Package cli implements the metafield command-line interface.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/metafield/internal/engine"
	"github.com/mesh-intelligence/metafield/internal/log"
	"github.com/mesh-intelligence/metafield/internal/metrics"
	"github.com/mesh-intelligence/metafield/internal/paths"
	"github.com/mesh-intelligence/metafield/internal/sqlite"
	"github.com/mesh-intelligence/metafield/internal/tracing"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// Version is set at build time with -ldflags "-X .../internal/cli.Version=...".
var Version = "0.1.0-dev"

type rootFlags struct {
	configDir string
	dataDir   string
	jsonMode  bool
	actor     string
	logFile   string
}

// app carries the flags and the configuration loaded before a subcommand
// runs.
type app struct {
	flags     rootFlags
	cfg       *Config
	configDir string
}

// NewRootCmd creates the top-level "metafield" command with every
// subcommand registered.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "metafield",
		Short: "Metadata field values with approval and compliance scoring",
		Long: "metafield stores per-asset metadata values, routes governed edits through\n" +
			"approval, arbitrates automated against human writes, and keeps brand\n" +
			"compliance scores in step with the values they depend on.",
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: a.loadConfig,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configDir, "config-dir", "", "configuration directory (default: platform config dir)")
	pf.StringVar(&a.flags.dataDir, "data-dir", "", "data directory (default: platform data dir)")
	pf.BoolVar(&a.flags.jsonMode, "json", false, "output as JSON")
	pf.StringVar(&a.flags.actor, "actor", os.Getenv("METAFIELD_ACTOR"), "acting user or producer id")
	pf.StringVar(&a.flags.logFile, "log-file", "", "write log entries to this file (overrides log.file)")

	root.AddCommand(
		newVersionCmd(),
		newInitCmd(a),
		newFieldsCmd(a),
		newShowCmd(a),
		newSetCmd(a),
		newAutomaticCmd(a),
		newClearOverrideCmd(a),
		newApproveCmd(a),
		newRejectCmd(a),
		newReviewCmd(a),
		newHistoryCmd(a),
		newRescoreCmd(a),
		newSuggestCmd(a),
		newAuditCmd(a),
		newPruneCmd(a),
		newServeCmd(a),
	)
	return root
}

// Execute runs the root command and exits with the matching code.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode separates user mistakes from system failures.
func exitCode(err error) int {
	for _, userErr := range []error{
		types.ErrNotFound, types.ErrInvalidValue, types.ErrFieldNotEditable,
		types.ErrAlreadyResolved, types.ErrStaleWrite, types.ErrForbidden,
		types.ErrInvalidActor, types.ErrInvalidID, types.ErrInvalidSource,
		types.ErrInvalidConfidence, types.ErrInvalidScore, types.ErrInvalidFilter,
		types.ErrInvalidDefinition, types.ErrInvalidFieldType,
	} {
		if errors.Is(err, userErr) {
			return exitUserError
		}
	}
	return exitSysError
}

func (a *app) loadConfig(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}
	dir, err := paths.ResolveConfigDir(a.flags.configDir)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return err
	}
	if a.flags.logFile != "" {
		cfg.Log.File = a.flags.logFile
	}
	a.cfg = cfg
	a.configDir = dir
	return nil
}

func (a *app) storeConfig() (types.Config, error) {
	dataDir, err := paths.ResolveDataDir(a.flags.dataDir, a.cfg.DataDir)
	if err != nil {
		return types.Config{}, err
	}
	return types.Config{Backend: a.cfg.Backend, DataDir: dataDir, BusyTimeout: a.cfg.BusyTimeout}, nil
}

// session is an attached backend with a running service.
type session struct {
	backend *sqlite.Backend
	svc     *engine.Service
	metrics *metrics.Recorder
	tracing *tracing.Provider
	closeFn []func()
}

func (s *session) Close() {
	s.svc.Close()
	if err := s.tracing.Shutdown(context.Background()); err != nil {
		log.ErrorErr(log.CatConfig, "Tracing shutdown failed", err)
	}
	_ = s.backend.Detach()
	for i := len(s.closeFn) - 1; i >= 0; i-- {
		s.closeFn[i]()
	}
}

// open initializes logging, attaches the store and starts the service.
// opts.Recorder, opts.Tracer and the compliance settings are filled in
// from the configuration.
func (a *app) open(ctx context.Context, opts engine.Options) (*session, error) {
	s := &session{}
	if a.cfg.Log.File != "" {
		level, err := log.ParseLevel(a.cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		cleanup, err := log.Init(a.cfg.Log.File, level)
		if err != nil {
			return nil, err
		}
		s.closeFn = append(s.closeFn, cleanup)
	}

	storeCfg, err := a.storeConfig()
	if err != nil {
		return nil, err
	}
	s.backend = sqlite.NewBackend()
	if err := s.backend.Attach(storeCfg); err != nil {
		return nil, fmt.Errorf("attach store: %w", err)
	}

	s.tracing, err = tracing.NewProvider(ctx, a.cfg.Tracing)
	if err != nil {
		_ = s.backend.Detach()
		return nil, err
	}
	s.metrics = metrics.New()

	opts.Recorder = s.metrics
	opts.Tracer = s.tracing.Tracer()
	opts.CacheTTL = a.cfg.Cache.TTL
	opts.BrandDNAEnabled = a.cfg.BrandDNA.Enabled
	opts.Compliance = engine.InvalidatorConfig{
		Workers:     a.cfg.Compliance.Workers,
		QueueSize:   a.cfg.Compliance.QueueSize,
		MaxAttempts: a.cfg.Compliance.MaxAttempts,
		Timeout:     a.cfg.Compliance.Timeout,
	}
	s.svc, err = engine.NewService(ctx, s.backend, opts)
	if err != nil {
		_ = s.tracing.Shutdown(ctx)
		_ = s.backend.Detach()
		return nil, err
	}
	return s, nil
}

// print writes v as indented JSON in --json mode and as text otherwise.
func (a *app) print(w io.Writer, v any, text func(io.Writer)) error {
	if a.flags.jsonMode {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the metafield version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "metafield v%s\n", Version)
			return nil
		},
	}
}

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the configuration and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context(), engine.Options{})
			if err != nil {
				return err
			}
			defer s.Close()
			version, _, err := s.backend.SchemaVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "metafield initialized (config %s, schema v%d)\n", a.configDir, version)
			return nil
		},
	}
}
