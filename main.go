package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/wfunc/georoom/catalog"
	"github.com/wfunc/georoom/config"
	"github.com/wfunc/georoom/events"
	"github.com/wfunc/georoom/logger"
	"github.com/wfunc/georoom/monitor"
	"github.com/wfunc/georoom/network"
	"github.com/wfunc/georoom/persistence"
	"github.com/wfunc/georoom/rpc"
	"github.com/wfunc/georoom/server"
	"github.com/wfunc/georoom/services"
	"github.com/wfunc/georoom/timer"
)

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"http-address":        "server.http_address",
	"rpc-address":         "server.rpc_address",
	"public-url":          "server.public_url",
	"catalog-source":      "game.catalog_source",
	"catalog-path":        "game.catalog_path",
	"allow-empty-catalog": "game.allow_empty_catalog",
	"log-level":           "log.level",
	"log-file":            "log.file",
	"nats-url":            "nats.url",
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	v := config.New()
	var configDir string

	cmd := &cobra.Command{
		Use:   "georoom",
		Short: "Realtime room coordinator for the geo guessing game",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configDir)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&configDir, "config", "c", ".", "directory containing config.yaml")
	fs.String("http-address", ":8080", "websocket and http listen address (env: GEOROOM_SERVER_HTTP_ADDRESS)")
	fs.String("rpc-address", "127.0.0.1:8081", "admin rpc listen address, empty to disable (env: GEOROOM_SERVER_RPC_ADDRESS)")
	fs.String("public-url", "http://localhost:8080", "base url encoded in invite qr codes (env: GEOROOM_SERVER_PUBLIC_URL)")
	fs.String("catalog-source", config.SourceFile, "round catalog source: file, gorm or postgres (env: GEOROOM_GAME_CATALOG_SOURCE)")
	fs.String("catalog-path", "rounds.yaml", "round catalog file (env: GEOROOM_GAME_CATALOG_PATH)")
	fs.Bool("allow-empty-catalog", false, "start with an empty catalog when loading fails (env: GEOROOM_GAME_ALLOW_EMPTY_CATALOG)")
	fs.StringP("log-level", "l", "info", "log level (env: GEOROOM_LOG_LEVEL)")
	fs.String("log-file", "", "also write logs to this file (env: GEOROOM_LOG_FILE)")
	fs.String("nats-url", "", "publish room events to this NATS server (env: GEOROOM_NATS_URL)")

	bindFlags(v, fs)

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	return cmd
}

// bindFlags lets explicitly set flags override the config file and
// environment.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			_ = v.BindPFlag(key, f)
		}
	})
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(logger.Options{
		Level:     cfg.Log.Level,
		File:      cfg.Log.File,
		MaxSizeMB: cfg.Log.MaxSizeMB,
	}); err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, err := loadCatalog(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Log.Infof("Catalog loaded with %d rounds", cat.Len())

	publisher, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	defer publisher.Close()

	clock := clockwork.NewRealClock()
	engine := timer.NewEngine(clock)
	mon := monitor.NewMonitor("georoom", nil)
	mon.WatchTimers(engine.Active)

	svc := services.NewRoomService(services.Config{
		Catalog:           cat,
		Timers:            engine,
		Clock:             clock,
		SettleDelay:       cfg.Game.SettleDelay,
		ManualSettleDelay: cfg.Game.ManualSettleDelay,
		ChatMaxLength:     cfg.Chat.MaxLength,
		ChatRatePerSecond: cfg.Chat.RatePerSecond,
		ChatBurst:         cfg.Chat.Burst,
		Publisher:         publisher,
		Metrics:           mon,
	})

	go svc.Rooms().RunReaper(ctx, cfg.Game.ReapInterval, cfg.Game.RoomIdleTimeout, svc.RoomsReaped)
	if cfg.Server.SessionIdleTimeout > 0 {
		go svc.RunSessionSweeper(ctx, cfg.Game.ReapInterval, cfg.Server.SessionIdleTimeout)
	}

	if cfg.Server.RPCAddress != "" {
		rpcServer, err := rpc.NewServer(cfg.Server.RPCAddress, rpc.NewAdmin(svc))
		if err != nil {
			return fmt.Errorf("start rpc server: %w", err)
		}
		go rpcServer.Start()
		defer rpcServer.Stop()
	}

	connCfg := network.DefaultConnConfig()
	connCfg.SendBuffer = cfg.Server.SendBuffer
	connCfg.PingInterval = cfg.Server.PingInterval
	gameServer := server.NewGameServer(server.Options{
		HTTPAddress:    cfg.Server.HTTPAddress,
		PublicURL:      cfg.Server.PublicURL,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Conn:           connCfg,
	}, svc, mon, clock)

	errCh := make(chan error, 1)
	go func() { errCh <- gameServer.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Log.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return gameServer.Shutdown(shutdownCtx)
}

// loadCatalog reads the rounds from the configured source. With
// allow_empty_catalog set, a failed load starts the server with no rounds and
// every start is refused.
func loadCatalog(ctx context.Context, cfg *config.Config) (*catalog.Catalog, error) {
	var (
		src    catalog.Source
		closer func() error
	)
	pg := persistence.PostgresConfig{
		Host:     cfg.Database.Postgres.Host,
		Port:     cfg.Database.Postgres.Port,
		User:     cfg.Database.Postgres.User,
		Password: cfg.Database.Postgres.Password,
		DBName:   cfg.Database.Postgres.DBName,
		SSLMode:  cfg.Database.Postgres.SSLMode,
	}

	var err error
	switch cfg.Game.CatalogSource {
	case config.SourceGorm:
		var db *persistence.GormPostgreSQL
		if db, err = persistence.NewGormPostgreSQL(pg); err == nil {
			src, closer = db, db.Close
		}
	case config.SourcePostgres:
		var db *persistence.PostgreSQL
		if db, err = persistence.NewPostgreSQL(pg); err == nil {
			src, closer = db, db.Close
		}
	default:
		src = catalog.FileSource{Path: cfg.Game.CatalogPath}
	}

	var cat *catalog.Catalog
	if err == nil {
		loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		cat, err = catalog.Load(loadCtx, src)
		cancel()
	}
	if closer != nil {
		closer()
	}

	if err != nil {
		if cfg.Game.AllowEmptyCatalog {
			logger.Log.Warnf("Catalog unavailable, starting without rounds: %v", err)
			return catalog.Empty(), nil
		}
		return nil, err
	}
	return cat, nil
}

func newPublisher(cfg *config.Config) (events.Publisher, error) {
	if cfg.NATS.URL == "" {
		return events.Nop{}, nil
	}
	ec := events.DefaultConfig()
	ec.URL = cfg.NATS.URL
	ec.SubjectPrefix = cfg.NATS.SubjectPrefix
	p, err := events.NewNATSPublisher(ec)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return p, nil
}

func init() {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
}
