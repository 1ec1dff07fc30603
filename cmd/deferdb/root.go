package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/richardartoul/deferdb/cmdutils"
	"github.com/richardartoul/deferdb/futures"
	"github.com/richardartoul/deferdb/inner"
	"github.com/richardartoul/deferdb/records"
	"github.com/richardartoul/deferdb/schema"
	"github.com/richardartoul/deferdb/store"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	backend      string
	path         string
	dsn          string
	schemaPath   string
	logFormat    string
	logLevel     string
	internalAddr string
	pprof        bool
	timeout      time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "deferdb",
		Short: "Add, query and delete records in a versioned record store",
		Long: `Add, query and delete records in a versioned record store.

The database is described by a YAML schema document (see --schema) and is
created or upgraded to the document's version before every command runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.backend, "backend", cmdutils.BackendBolt, "kv backend to store the database in. Valid options: "+strings.Join(cmdutils.Backends, "|"))
	flags.StringVar(&opts.path, "path", "deferdb.db", "file or directory used by the bolt, pebble and sqlite backends")
	flags.StringVar(&opts.dsn, "dsn", "", "connection string used by the postgres backend")
	flags.StringVar(&opts.schemaPath, "schema", "schema.yaml", "path to the YAML schema document of the database")
	flags.StringVar(&opts.logFormat, "logFormat", "text", "format to use for the logger. The formats it accepts are: 'text', 'json'")
	flags.StringVar(&opts.logLevel, "logLevel", "warn", "level to use for the logger. The levels it accepts are: 'info', 'debug', 'error', 'warn'")
	flags.StringVar(&opts.internalAddr, "internalAddr", "", "internal server address for metrics and pprof, e.g. 0.0.0.0:9091. Disabled when empty")
	flags.BoolVar(&opts.pprof, "pprof", false, "enable pprof endpoint under '/debug/pprof/' on the internal server")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "how long to wait for the database to open and for each operation to settle")

	cmd.AddCommand(newAddCommand(opts))
	cmd.AddCommand(newLoadCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// session is an open database plus everything needed to operate on it.
type session struct {
	log      *slog.Logger
	timeout  time.Duration
	factory  *store.Factory
	client   *records.Client
	db       *store.Database
	internal *inner.Server
}

func openSession(cmd *cobra.Command, opts *rootOptions) (*session, error) {
	log, err := cmdutils.ParseLog(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)
	if err != nil {
		return nil, err
	}
	log = log.With(slog.String("service", "deferdb"))

	doc, err := schema.Load(opts.schemaPath)
	if err != nil {
		return nil, err
	}

	metrics, err := inner.NewMetrics(log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	ctx, cc := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cc()
	kvStore, err := cmdutils.OpenBackend(ctx, opts.backend, opts.path, opts.dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening backend: %s: %w", opts.backend, err)
	}

	s := &session{
		log:     log,
		timeout: opts.timeout,
		factory: store.NewFactory(kvStore, store.FactoryOptions{Logger: log}),
	}
	s.client = records.New(s.factory, records.Options{Logger: log, Observer: metrics})

	if opts.internalAddr != "" {
		s.internal, err = inner.Listen(log, opts.internalAddr, metrics, opts.pprof)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("error starting internal server: %w", err)
		}
	}

	s.db, err = await(s, s.client.Open(doc.Name, doc.Version, doc.Upgrade(log)))
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) close() {
	if s.db != nil {
		s.db.Close()
	}

	ctx, cc := context.WithTimeout(context.Background(), s.timeout)
	defer cc()
	if err := s.factory.Close(ctx); err != nil {
		s.log.Error("error closing store", slog.Any("error", err))
	}
	if s.internal != nil {
		if err := s.internal.Close(); err != nil {
			s.log.Error("error closing internal server", slog.Any("error", err))
		}
	}
}

func await[T any](s *session, f futures.Future[T]) (T, error) {
	ctx, cc := context.WithTimeout(context.Background(), s.timeout)
	defer cc()
	return f.WaitCtx(ctx)
}

// withSession opens a session, runs fn and closes the session again.
func withSession(cmd *cobra.Command, opts *rootOptions, fn func(s *session) error) error {
	s, err := openSession(cmd, opts)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(s)
}

// parseKey parses arg as a JSON value. Anything that is not valid JSON is used
// as a plain string, so a@x.com and '"a@x.com"' are the same key while 1 and
// '"1"' are not.
func parseKey(arg string) any {
	var key any
	if err := json.Unmarshal([]byte(arg), &key); err != nil {
		return arg
	}
	return key
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of deferdb",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "deferdb %s\n", version)
			return nil
		},
	}
}
