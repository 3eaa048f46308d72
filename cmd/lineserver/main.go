// lineserver 通过 TCP 提供一个大文本文件的按行只读访问
//
// 启动时为数据文件建立（或加载）行索引，之后每个 GET 都是一次定位读取。
// 任意客户端发送 SHUTDOWN 或进程收到 SIGINT/SIGTERM 时，
// 停止接受新连接，等待所有连接处理完当前请求后退出。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"lineserver/internal/config"
	"lineserver/internal/core/broker"
	"lineserver/internal/core/metrics"
	"lineserver/internal/core/shutdown"
	"lineserver/internal/core/storage"
	"lineserver/internal/network/tcp"
	"lineserver/internal/utils/rlog"
)

// 构建时通过 -ldflags "-X main.version=..." 注入
var version = "dev"

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type options struct {
	dataPath    string
	cfg         config.Config
	showVersion bool
}

// usageError 命令行或配置文件有误
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, v ...any) error {
	return &usageError{err: fmt.Errorf(format, v...)}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "lineserver %s\n", version)
		return exitOK
	}

	if err := serve(opts); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		var usage *usageError
		if errors.As(err, &usage) {
			return exitUsage
		}
		return exitFailure
	}
	return exitOK
}

// parseArgs 解析命令行，命令行参数覆盖配置文件
func parseArgs(args []string, output io.Writer) (options, error) {
	var (
		opts       options
		configPath string
		noPersist  bool
		defaults   = config.Default()
	)

	flagSet := pflag.NewFlagSet("lineserver", pflag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() {
		fmt.Fprintf(output, "Usage:\n  lineserver [flags] <data-file>\n\nFlags:\n")
		flagSet.PrintDefaults()
	}

	flagSet.StringVar(&configPath, "config", "", "YAML config file")
	listen := flagSet.String("listen", defaults.Listen, "TCP listen address")
	indexPath := flagSet.String("index", "", "index file path (default <data-file>.index)")
	flagSet.BoolVar(&noPersist, "no-persist-index", false, "always rebuild the index and never write it to disk")
	interval := flagSet.Uint32("index-interval", defaults.Index.Interval, "record every Nth line in the index (1 = dense)")
	compression := flagSet.String("index-compression", defaults.Index.Compression, "index file compression: none, snappy, zstd, lz4")
	backend := flagSet.String("read-backend", defaults.Index.ReadBackend, "data file reads: pread or mmap")
	maxConns := flagSet.Int("max-connections", defaults.Server.MaxConnections, "maximum concurrent connections (0 = unlimited)")
	idle := flagSet.Duration("idle-timeout", defaults.Server.IdleTimeout, "close connections idle this long (0 = never)")
	rateLimit := flagSet.Float64("rate-limit", defaults.Server.RateLimit, "requests per second per connection (0 = unlimited)")
	rateBurst := flagSet.Int("rate-burst", defaults.Server.RateBurst, "request burst allowed by --rate-limit")
	metricsListen := flagSet.String("metrics-listen", defaults.Metrics.Listen, "serve prometheus /metrics on this address")
	logLevel := flagSet.String("log-level", defaults.Log.Level, "log level: debug, info, warn, error")
	logFormat := flagSet.String("log-format", defaults.Log.Format, "log format: text or json")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	if err := flagSet.Parse(args); err != nil {
		return opts, err
	}
	if opts.showVersion {
		return opts, nil
	}

	switch rest := flagSet.Args(); len(rest) {
	case 0:
		flagSet.Usage()
		return opts, usagef("missing data file argument")
	case 1:
		opts.dataPath = rest[0]
	default:
		return opts, usagef("unexpected argument: %s", rest[1])
	}

	cfg := defaults
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return opts, err
		}
		cfg = loaded
	}

	changed := flagSet.Changed
	if changed("listen") {
		cfg.Listen = *listen
	}
	if changed("index") {
		cfg.Index.Path = *indexPath
	}
	if changed("no-persist-index") {
		cfg.Index.Persist = !noPersist
	}
	if changed("index-interval") {
		cfg.Index.Interval = *interval
	}
	if changed("index-compression") {
		cfg.Index.Compression = *compression
	}
	if changed("read-backend") {
		cfg.Index.ReadBackend = *backend
	}
	if changed("max-connections") {
		cfg.Server.MaxConnections = *maxConns
	}
	if changed("idle-timeout") {
		cfg.Server.IdleTimeout = *idle
	}
	if changed("rate-limit") {
		cfg.Server.RateLimit = *rateLimit
	}
	if changed("rate-burst") {
		cfg.Server.RateBurst = *rateBurst
	}
	if changed("metrics-listen") {
		cfg.Metrics.Listen = *metricsListen
	}
	if changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = *logFormat
	}

	if err := cfg.Validate(); err != nil {
		return opts, err
	}
	opts.cfg = cfg
	return opts, nil
}

// serve 建立索引并运行服务，直到停机信号发出且所有连接处理完毕
func serve(opts options) error {
	cfg := opts.cfg
	if err := rlog.Setup(rlog.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		return &usageError{err: err}
	}

	coordinator := shutdown.New()
	ctx, cancel := coordinator.Context(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watchSignals(gctx, coordinator)
		return nil
	})

	err := start(gctx, opts, coordinator, g)
	if err != nil {
		coordinator.Raise("startup failure")
	}
	if waitErr := g.Wait(); err == nil {
		err = waitErr
	}
	// 启动过程中收到停机信号
	if errors.Is(err, context.Canceled) && coordinator.Raised() {
		rlog.Info("shutdown requested during startup (%s)", coordinator.Source())
		return nil
	}
	return err
}

// start 打开数据文件并把服务端和指标服务加入 g
func start(ctx context.Context, opts options, coordinator *shutdown.Signal, g *errgroup.Group) error {
	cfg := opts.cfg
	compression, err := storage.ParseCompressionTag(cfg.Index.Compression)
	if err != nil {
		return err
	}
	backend, err := storage.ParseReadBackend(cfg.Index.ReadBackend)
	if err != nil {
		return err
	}

	table, err := storage.Open(ctx, opts.dataPath, cfg.IndexPath(opts.dataPath),
		storage.WithIndexInterval(cfg.Index.Interval),
		storage.WithCompression(compression),
		storage.WithPersist(cfg.Index.Persist),
	)
	if err != nil {
		return fmt.Errorf("failed to index %s: %w", opts.dataPath, err)
	}

	store, err := storage.OpenLineStore(opts.dataPath, table, storage.WithReadBackend(backend))
	if err != nil {
		return err
	}

	m := metrics.New()
	m.SetIndexLines(store.Count())

	server := tcp.NewServer(cfg.Listen, broker.NewDispatcher(store, m), coordinator,
		tcp.WithMaxConnections(cfg.Server.MaxConnections),
		tcp.WithIdleTimeout(cfg.Server.IdleTimeout),
		tcp.WithWriteTimeout(cfg.Server.WriteTimeout),
		tcp.WithFrameTimeout(cfg.Server.FrameTimeout),
		tcp.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst),
		tcp.WithMetrics(m),
	)
	if err := server.Start(); err != nil {
		store.Close()
		return err
	}
	rlog.Info("serving %d lines from %s (%s reads)", store.Count(), opts.dataPath, backend)

	g.Go(func() error {
		defer store.Close()
		return server.Serve()
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			if err := m.Serve(ctx, cfg.Metrics.Listen); err != nil {
				coordinator.Raise("metrics failure")
				return err
			}
			return nil
		})
	}
	return nil
}

// watchSignals 把 SIGINT/SIGTERM 转换成停机信号
func watchSignals(ctx context.Context, coordinator *shutdown.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)

	select {
	case sig := <-ch:
		rlog.Info("received %s, shutting down", sig)
		coordinator.Raise(sig.String())
	case <-ctx.Done():
	}
}
