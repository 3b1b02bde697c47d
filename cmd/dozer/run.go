package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/getdozer/dozer/pkg/api"
	"github.com/getdozer/dozer/pkg/connector"
	"github.com/getdozer/dozer/pkg/dconfig"
	"github.com/getdozer/dozer/pkg/health"
	"github.com/getdozer/dozer/pkg/log"
	"github.com/getdozer/dozer/pkg/metrics"
	"github.com/getdozer/dozer/pkg/pipeline"
	"github.com/getdozer/dozer/pkg/security"
	"github.com/getdozer/dozer/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a Dozer pipeline from a declarative config document",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().String("config", "dozer-config.yaml", "Path to the pipeline config document")
	runCmd.Flags().String("node-type", "dozer", "Node type, selects the mTLS certificate directory (pkg/security)")
	runCmd.Flags().String("node-id", "local", "Node ID, selects the mTLS certificate directory (pkg/security)")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address the metrics/health HTTP server listens on")
	runCmd.Flags().StringSlice("rebuild-source", nil, "Force the named source's log to a fresh log_id, discarding its on-disk history and triggering a cache rebuild in every downstream endpoint")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := log.WithComponent("cmd")

	configPath, _ := cmd.Flags().GetString("config")
	nodeType, _ := cmd.Flags().GetString("node-type")
	nodeID, _ := cmd.Flags().GetString("node-id")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	rebuildSources, _ := cmd.Flags().GetStringSlice("rebuild-source")

	cfg, err := dconfig.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger.Info().Str("config", configPath).Str("app", cfg.AppName).Msg("config loaded")

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = "./dozer-data"
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	var sm *security.SecretsManager
	if cfg.SecretKey != "" {
		sm, err = security.NewSecretsManagerFromPassword(cfg.SecretKey)
		if err != nil {
			return fmt.Errorf("building secrets manager: %w", err)
		}
	}

	ctx := context.Background()
	connectors, err := buildConnectors(ctx, cfg, sm)
	if err != nil {
		return fmt.Errorf("connecting sources: %w", err)
	}
	defer func() {
		for _, c := range connectors {
			_ = c.Close()
		}
	}()

	metrics.RegisterComponent("sources", true, fmt.Sprintf("%d configured", len(cfg.Sources)))
	metrics.RegisterComponent("pipeline", false, "starting")
	metrics.RegisterComponent("api", false, "starting")

	monitor := buildHealthMonitor(cfg)
	monitor.Start()
	defer monitor.Stop()

	rebuild := make(map[string]bool, len(rebuildSources))
	for _, name := range rebuildSources {
		rebuild[name] = true
	}

	built, err := pipeline.Build(cfg, pipeline.Options{CacheDir: cacheDir, Connectors: connectors, RebuildSources: rebuild})
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	collector := pipeline.NewCollector(cfg, built)
	collector.Start(15 * time.Second)
	defer collector.Stop()

	defer func() {
		for _, b := range built.Endpoints {
			if err := b.Close(); err != nil {
				logger.Warn().Err(err).Msg("closing endpoint cache")
			}
		}
		for _, s := range built.Sources {
			if err := s.Log.Close(); err != nil {
				logger.Warn().Err(err).Msg("closing source log")
			}
		}
		for _, broker := range built.Brokers {
			broker.Stop()
		}
	}()

	reg := api.NewRegistry()
	for _, ep := range cfg.Endpoints {
		if err := reg.Register(ep.Name, ep.Path, built.Endpoints[ep.Name]); err != nil {
			return fmt.Errorf("registering endpoint %q: %w", ep.Name, err)
		}
	}

	apiServer, err := api.NewServer(cfg.API, reg, nodeType, nodeID)
	if err != nil {
		return fmt.Errorf("building api server: %w", err)
	}

	metricsSrv := &http.Server{Addr: metricsAddr}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		metricsSrv.Handler = mux
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics/health endpoints listening")

	pipelineCtx, cancelPipeline := context.WithCancel(context.Background())
	defer cancelPipeline()

	runErr := make(chan error, 1)
	go func() { runErr <- built.Executor.Run(pipelineCtx) }()

	for name, src := range built.Sources {
		src.Runner.Start()
		logger.Info().Str("source", name).Msg("connector started")
	}
	metrics.UpdateComponent("pipeline", true, "running")

	apiServer.Start()
	metrics.UpdateComponent("api", true, "ready")
	logger.Info().Msg("dozer is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-runErr:
		logger.Error().Err(err).Msg("pipeline terminated")
	case err := <-apiServer.Err():
		logger.Error().Err(err).Msg("api server error")
	}

	for _, src := range built.Sources {
		src.Runner.Stop()
	}
	cancelPipeline()
	<-runErr

	apiServer.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// buildConnectors constructs one connector.SourceConnector per configured
// Source, dispatching on its Connection's Kind. Mongo and S3 clients are
// built against their own SDK's standard credential-resolution chain;
// Postgres connects directly with a DSN built from the Connection fields.
func buildConnectors(ctx context.Context, cfg *dconfig.Config, sm *security.SecretsManager) (map[string]connector.SourceConnector, error) {
	connsByName := make(map[string]dconfig.Connection, len(cfg.Connections))
	for _, c := range cfg.Connections {
		connsByName[c.Name] = c
	}

	out := make(map[string]connector.SourceConnector, len(cfg.Sources))
	for _, s := range cfg.Sources {
		conn, ok := connsByName[s.Connection]
		if !ok {
			return nil, fmt.Errorf("source %q: unknown connection %q", s.Name, s.Connection)
		}
		schema := sourceSchema(s)
		sourceDef := types.SourceDefinition{ConnectionName: conn.Name, TableName: s.TableName}

		password, err := conn.DecryptPassword(sm)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", s.Name, err)
		}

		switch conn.Kind {
		case "postgres":
			dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s", conn.User, password, conn.Host, conn.Port, conn.Database)
			src, err := connector.NewPostgresSource(ctx, dsn, sourceDef, schema, "updated_at", 5*time.Second)
			if err != nil {
				return nil, fmt.Errorf("source %q: %w", s.Name, err)
			}
			out[s.Name] = src

		case "mongo":
			uri := fmt.Sprintf("mongodb://%s:%s@%s:%d", conn.User, password, conn.Host, conn.Port)
			client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
			if err != nil {
				return nil, fmt.Errorf("source %q: connecting to mongo: %w", s.Name, err)
			}
			out[s.Name] = connector.NewMongoSource(client, sourceDef, schema)

		case "s3":
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, fmt.Errorf("source %q: loading AWS config: %w", s.Name, err)
			}
			client := s3.NewFromConfig(awsCfg)
			out[s.Name] = connector.NewS3Source(client, conn.Database, s.TableName, sourceDef, schema, 30*time.Second)

		default:
			return nil, fmt.Errorf("source %q: unknown connection kind %q", s.Name, conn.Kind)
		}
	}
	return out, nil
}

// buildHealthMonitor registers a TCPChecker for every connection that
// exposes a host:port, so /health and /ready reflect whether each source
// or sink connection is actually reachable. Connections with no Host
// configured (e.g. an S3 bucket addressed by name rather than a socket)
// have no TCP reachability concept and are skipped.
func buildHealthMonitor(cfg *dconfig.Config) *health.Monitor {
	mon := health.NewMonitor()
	for _, conn := range cfg.Connections {
		if conn.Host == "" || conn.Port == 0 {
			continue
		}
		addr := fmt.Sprintf("%s:%d", conn.Host, conn.Port)
		mon.Add(conn.Kind+":"+conn.Name, health.NewTCPChecker(addr), health.DefaultConfig())
	}
	return mon
}

// sourceSchema synthesizes a Schema from a Source's declared column list.
// The declarative config has no type catalog (§6's "CLI/config loading" is
// out of scope), so every column is typed KindString pending real upstream
// catalog introspection; pipeline.Options.Schemas lets a caller override
// this per source once that introspection exists.
func sourceSchema(s dconfig.Source) types.Schema {
	cols := s.Columns
	if len(cols) == 0 {
		cols = []string{"id", "value"}
	}
	fields := make([]types.FieldDefinition, len(cols))
	for i, name := range cols {
		fields[i] = types.FieldDefinition{Name: name, Type: types.KindString}
	}
	return types.Schema{Fields: fields, PrimaryIndex: []int{0}}
}
