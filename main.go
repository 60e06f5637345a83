package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	appcmd "github.com/mikills/dagcore/cmd"
	"github.com/mikills/dagcore/dag"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "dagcore",
		Short:        "Transitive-closure DAG store over SQL",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("DAGCORE_CONFIG"), "path to a YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			Args:  cobra.NoArgs,
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the closure table and its indexes",
			Args:  cobra.NoArgs,
			RunE:  runMigrate,
		},
		&cobra.Command{
			Use:   "backup <source>",
			Short: "Snapshot the direct edges of a source to the blob store",
			Args:  cobra.ExactArgs(1),
			RunE:  runBackup,
		},
		&cobra.Command{
			Use:   "restore <source> <key>",
			Short: "Replace a source with a stored snapshot",
			Args:  cobra.ExactArgs(2),
			RunE:  runRestore,
		},
		&cobra.Command{
			Use:   "snapshots <source>",
			Short: "List stored snapshots of a source",
			Args:  cobra.ExactArgs(1),
			RunE:  runListSnapshots,
		},
	)
	return root
}

// runtime holds everything opened from a serverConfig.
type runtime struct {
	cfg     serverConfig
	logger  *slog.Logger
	db      *sql.DB
	store   *dag.Store
	blobs   dag.BlobStore
	metrics *dag.PrometheusMetrics
	reg     *prometheus.Registry
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func newLogger(format string) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadServerConfig(configPath, os.Environ())
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogFormat)
	slog.SetDefault(logger)

	r := &runtime{cfg: cfg, logger: logger}
	if err := r.open(ctx); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *runtime) open(ctx context.Context) error {
	dsn, err := r.cfg.resolveDSN()
	if err != nil {
		return err
	}
	db, dialect, err := dag.Open(ctx, dsn)
	if err != nil {
		return err
	}
	r.db = db
	r.closers = append(r.closers, func() { _ = db.Close() })

	r.reg = prometheus.NewRegistry()
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r.metrics = dag.NewPrometheusMetrics(r.reg)

	opts := []dag.StoreOption{
		dag.WithConfig(r.cfg.Store),
		dag.WithLogger(r.logger),
		dag.WithMetrics(r.metrics),
		dag.WithLeaseRetries(r.cfg.Lease.Retries),
		dag.WithWriteLeaseTTL(r.cfg.Lease.TTL),
	}

	if addr := r.cfg.Redis.Addr; addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		r.closers = append(r.closers, func() { _ = client.Close() })
		mgr, err := dag.NewRedisWriteLeaseManager(client, r.cfg.Redis.Prefix)
		if err != nil {
			return err
		}
		opts = append(opts, dag.WithWriteLeaseManager(mgr))
		r.logger.Info("configured redis write leases", "addr", addr)
	}

	if uri := r.cfg.Journal.MongoURI; uri != "" {
		journal, err := r.openMongoJournal(ctx, uri)
		if err != nil {
			return err
		}
		opts = append(opts, dag.WithJournal(journal))
	}

	blobs, err := r.openBlobStore(ctx)
	if err != nil {
		return err
	}
	r.blobs = blobs

	store, err := dag.NewStore(db, dialect, opts...)
	if err != nil {
		return err
	}
	r.store = store
	r.logger.Info("opened dag store",
		"dialect", dialect.String(),
		"table", store.Config().TableName,
		"max_hops", store.Config().MaxHops,
	)
	return nil
}

func (r *runtime) openMongoJournal(ctx context.Context, uri string) (*dag.MongoJournal, error) {
	client, err := mongo.Connect(mongooptions.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	r.closers = append(r.closers, func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(disconnectCtx)
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	coll := client.Database(r.cfg.Journal.Database).Collection(r.cfg.Journal.Collection)
	journal := dag.NewMongoJournal(coll)
	if err := journal.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	r.logger.Info("configured mongo journal",
		"db", r.cfg.Journal.Database,
		"collection", r.cfg.Journal.Collection,
	)
	return journal, nil
}

// openBlobStore returns S3 when a bucket is configured, a local directory
// when a root is configured, and nil otherwise.
func (r *runtime) openBlobStore(ctx context.Context) (dag.BlobStore, error) {
	b := r.cfg.Blob
	switch {
	case b.S3Bucket != "":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(b.S3Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if b.S3Endpoint != "" {
				o.BaseEndpoint = aws.String(b.S3Endpoint)
				o.UsePathStyle = true
			}
		})
		r.logger.Info("configured s3 snapshot store", "bucket", b.S3Bucket, "prefix", b.S3Prefix)
		return dag.NewS3BlobStore(client, b.S3Bucket, b.S3Prefix), nil
	case b.Root != "":
		r.logger.Info("configured local snapshot store", "root", b.Root)
		return &dag.LocalBlobStore{Root: b.Root}, nil
	default:
		return nil, nil
	}
}

func (r *runtime) requireBlobs() error {
	if r.blobs == nil {
		return fmt.Errorf("no blob store configured; set DAGCORE_BLOB_ROOT or DAGCORE_S3_BUCKET")
	}
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	r, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := r.store.EnsureSchema(ctx); err != nil {
		return err
	}
	r.logger.Info("schema ready", "table", r.store.Config().TableName)
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	r, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := r.requireBlobs(); err != nil {
		return err
	}

	info, err := r.store.BackupSource(ctx, args[0], r.blobs)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), info.Key)
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	r, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := r.requireBlobs(); err != nil {
		return err
	}

	n, err := r.store.RestoreSource(ctx, args[0], r.blobs, args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "restored %d edges into %s\n", n, args[0])
	return nil
}

func runListSnapshots(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	r, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := r.requireBlobs(); err != nil {
		return err
	}

	items, err := dag.ListSnapshots(ctx, r.blobs, args[0])
	if err != nil {
		return err
	}
	for _, item := range items {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", item.Key, item.Size, item.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := r.store.EnsureSchema(ctx); err != nil {
		return err
	}

	appCfg := appcmd.AppConfig{
		Address:           r.cfg.HTTPAddr,
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		SnapshotInterval:  r.cfg.Snapshot.Interval,
		SnapshotSources:   r.cfg.Snapshot.Sources,
		Blobs:             r.blobs,
		Metrics:           r.metrics,
		Gatherer:          r.reg,
		Logger:            r.logger,
	}
	app := appcmd.NewApp(r.store, appCfg)

	if err := app.Start(); err != nil {
		return fmt.Errorf("start app: %w", err)
	}
	r.logger.Info("dagcore listening",
		"address", app.Address(),
		"snapshot_sources", strings.Join(r.cfg.Snapshot.Sources, ","),
	)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appCfg.ShutdownTimeout)
		defer cancel()
		if err := app.Stop(shutdownCtx); err != nil {
			r.logger.Error("shutdown error", "error", err)
		}
	}()

	return app.Wait()
}
