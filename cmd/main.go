// File: main.go

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"proxy-service/pkg/config"
	"proxy-service/pkg/crawl"
	"proxy-service/pkg/database"
	"proxy-service/pkg/directory"
	"proxy-service/pkg/models"
	"proxy-service/pkg/pool"
	"proxy-service/pkg/routing"
	"proxy-service/pkg/selector"
)

var (
	debugFlag bool
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "proxy-service",
	Short: "Route outbound requests through per-target proxy pools",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Set up logging based on the debug flag
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var poolCmd = &cobra.Command{
	Use:     "pool [target]",
	Short:   "Fetch and print the proxy pool of a configured target",
	Example: "pool shop --exclude 12,40",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		target := mustTarget(cfg, args[0])

		exclude, _ := cmd.Flags().GetStringSlice("exclude")
		excluded := make([]models.ProxyID, 0, len(exclude))
		for _, id := range exclude {
			excluded = append(excluded, models.ProxyID(strings.TrimSpace(id)))
		}

		client, err := directory.NewClient(cfg.Directory.ClientConfig(), logger)
		if err != nil {
			logger.Error("Error creating directory client", "error", err)
			os.Exit(1)
		}

		p, err := client.Fetch(cmd.Context(), args[0], target.Filters, excluded)
		if err != nil {
			logger.Error("Error fetching proxy pool", "target", args[0], "error", err)
			os.Exit(1)
		}

		for _, r := range p.Records {
			endpoint, creds, err := routing.SplitCredentials(r.URL)
			if err != nil {
				fmt.Printf("%s\tinvalid: %v\n", r.ID, err)
				continue
			}
			fmt.Printf("%s\t%s\tauth=%v\n", r.ID, endpoint, creds != nil)
		}
		logger.Info("Proxy pool fetched", "target", args[0], "size", p.Len())
	},
}

var getCmd = &cobra.Command{
	Use:     "get [target] [url]",
	Short:   "Send one GET request through the target's proxy pool",
	Example: "get shop https://shop.example.com/",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		cfg := mustLoadConfig()

		engine, cleanup := mustEngine(ctx, cfg, args[0])
		defer cleanup()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		client := &http.Client{
			Transport: engine.NewTransport(args[0]),
			Timeout:   timeout,
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, args[1], nil)
		if err != nil {
			logger.Error("Invalid request", "error", err)
			os.Exit(1)
		}
		resp, err := client.Do(req)
		if err != nil {
			logger.Error("Request failed", "url", args[1], "error", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		n, _ := io.Copy(io.Discard, resp.Body)

		proxyID, state := "-", routing.StateUnrouted
		if rc := routing.FromContext(resp.Request.Context()); rc != nil {
			state = rc.State
			if rc.ProxyID != "" {
				proxyID = rc.ProxyID.String()
			}
		}
		fmt.Printf("%d\t%s\tproxy=%s\tstate=%s\tbytes=%d\n", resp.StatusCode, args[1], proxyID, state, n)
	},
}

var crawlCmd = &cobra.Command{
	Use:     "crawl [target] [url...]",
	Short:   "Fetch pages concurrently through the target's proxy pool",
	Example: "crawl shop https://shop.example.com/a https://shop.example.com/b --parallelism 8",
	Args:    cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		cfg := mustLoadConfig()

		engine, cleanup := mustEngine(ctx, cfg, args[0])
		defer cleanup()

		parallelism, _ := cmd.Flags().GetInt("parallelism")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		crawler := crawl.New(engine.NewTransport(args[0]), crawl.Options{
			Parallelism: parallelism,
			Timeout:     timeout,
		}, logger)

		pages, err := crawler.Run(ctx, args[1:])
		if err != nil {
			logger.Error("Crawl interrupted", "error", err)
		}

		failed := 0
		for _, p := range pages {
			if p.Err != nil {
				failed++
				fmt.Printf("ERR\t%s\t%v\n", p.URL, p.Err)
				continue
			}
			fmt.Printf("%d\t%s\tbytes=%d\n", p.StatusCode, p.URL, p.Size)
		}
		logger.Info("Crawl completed", "target", args[0], "pages", len(pages), "failed", failed)
	},
}

var blockStatsCmd = &cobra.Command{
	Use:   "block-stats",
	Short: "Print how often each proxy was blocked",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()

		db, err := initDB(cmd.Context(), cfg.Database)
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		target, _ := cmd.Flags().GetString("target")
		window, _ := cmd.Flags().GetDuration("since")
		var since time.Time
		if window > 0 {
			since = time.Now().Add(-window)
		}

		stats, err := db.GetBlockStats(cmd.Context(), target, since)
		if err != nil {
			logger.Error("Error getting block stats", "error", err)
			os.Exit(1)
		}
		for _, s := range stats {
			fmt.Printf("%s\t%s\t%d\t%s\n", s.Target, s.ProxyID, s.Count, s.Last.Format(time.RFC3339))
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	poolCmd.Flags().StringSlice("exclude", nil, "Proxy ids to exclude from the pool")
	getCmd.Flags().Duration("timeout", 60*time.Second, "Timeout for the request including retries")
	crawlCmd.Flags().Int("parallelism", 4, "Maximum concurrent requests")
	crawlCmd.Flags().Duration("timeout", 60*time.Second, "Timeout per page including retries")
	blockStatsCmd.Flags().String("target", "", "Only count blocks for this target")
	blockStatsCmd.Flags().Duration("since", 0, "Only count blocks within this window, e.g. 24h")

	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(crawlCmd)
	rootCmd.AddCommand(blockStatsCmd)
}

func initConfig() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("Error reading .env file: %v\n", err)
		os.Exit(1)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.proxy-service")
	viper.AddConfigPath("/etc/proxy-service/")

	viper.SetEnvPrefix("PROXY_SERVICE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Printf("Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}
}

func mustLoadConfig() *config.Config {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	return cfg
}

func mustTarget(cfg *config.Config, name string) config.Target {
	target, ok := cfg.Target(name)
	if !ok {
		logger.Error("Target is not configured", "target", name)
		os.Exit(1)
	}
	return target
}

// mustEngine builds a routing engine with the named target registered. Block events
// are recorded when the database is enabled.
func mustEngine(ctx context.Context, cfg *config.Config, name string) (*routing.Engine, func()) {
	target := mustTarget(cfg, name)

	client, err := directory.NewClient(cfg.Directory.ClientConfig(), logger)
	if err != nil {
		logger.Error("Error creating directory client", "error", err)
		os.Exit(1)
	}

	var opts []routing.Option
	cleanup := func() {}
	if cfg.Database.Enabled {
		db, err := initDB(ctx, cfg.Database)
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		opts = append(opts, routing.WithRecorder(db))
		cleanup = func() { db.Close() }
	}

	engine := routing.NewEngine(pool.NewStore(client, logger), selector.New(nil, logger), logger, opts...)
	if err := engine.Register(ctx, name, target.RoutingConfig()); err != nil {
		logger.Error("Error registering target", "target", name, "error", err)
		os.Exit(1)
	}
	return engine, cleanup
}

func initDB(ctx context.Context, cfg config.Database) (*database.DB, error) {
	db, err := database.NewDB(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return db, nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
