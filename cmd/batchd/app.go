package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/batchd"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("BATCHD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "batchd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "batchd",
		Short:         "batchd drains batches of content fragments into a page service under a distributed counting semaphore",
		SilenceErrors: true,
		Example: `
  # Daemon fed by a spool directory, in-memory store (dev)
  batchd serve --spool /var/spool/batchd --store mem://

  # MinIO-backed store shared by several nodes
  BATCHD_STORE=s3://localhost:9000/batchd-data?insecure=1 batchd serve --spool /var/spool/batchd

  # One foreground drain against a disk store
  batchd run page-42 --store disk:///var/lib/batchd-data

  # Reap a permit left behind by a crashed execution
  batchd reap d0icndjipt0c739vl8fg --store disk:///var/lib/batchd-data
`,
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file")
	flags.String("store", batchd.DefaultStore, "storage backend URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket)")
	flags.String("lock-name", batchd.DefaultLockName, "semaphore lock name (contention domain)")
	flags.Int64("limit", batchd.DefaultLimit, "maximum concurrent drain executions per lock name")
	flags.Duration("wait-interval", batchd.DefaultWaitInterval, "fixed delay between contended acquire attempts")
	flags.Duration("acquire-timeout", batchd.DefaultAcquireTimeout, "overall ceiling on contention waits (0 waits forever)")
	flags.Int("retry-attempts", batchd.DefaultRetryMaxAttempts, "maximum attempts for transient storage faults")
	flags.Duration("retry-base-delay", batchd.DefaultRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("retry-max-delay", batchd.DefaultRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("retry-multiplier", batchd.DefaultRetryMultiplier, "backoff multiplier for storage retries")
	flags.Int("max-units", batchd.DefaultMaxUnitsPerRun, "work units consumed per drain slice (0 disables slicing)")
	flags.String("spool", "", "spool directory with triggers/ and completions/ (serve only)")
	flags.Duration("spool-poll-interval", batchd.DefaultSpoolPollInterval, "polling fallback cadence for the spool watcher")
	flags.Bool("spool-no-notify", false, "disable inotify and poll the spool directory only")
	flags.String("metrics-listen", batchd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("output-dir", "", "write drained fragments to per-batch directories under this path")
	flags.String("aws-region", "", "AWS region for aws:// backends")
	flags.String("s3-access-key-id", "", "access key for s3:// backends (or BATCHD_S3_ACCESS_KEY_ID)")
	flags.String("s3-secret-access-key", "", "secret key for s3:// backends (or BATCHD_S3_SECRET_ACCESS_KEY)")
	flags.String("s3-session-token", "", "session token for s3:// backends")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	viper.SetEnvPrefix("BATCHD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{
		"config", "store", "lock-name", "limit", "wait-interval", "acquire-timeout",
		"retry-attempts", "retry-base-delay", "retry-max-delay", "retry-multiplier",
		"max-units", "spool", "spool-poll-interval", "spool-no-notify",
		"metrics-listen", "output-dir", "aws-region", "s3-access-key-id", "s3-secret-access-key",
		"s3-session-token", "log-level",
	} {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newServeCommand(baseLogger))
	cmd.AddCommand(newRunCommand(baseLogger))
	cmd.AddCommand(newEnqueueCommand(baseLogger))
	cmd.AddCommand(newReapCommand(baseLogger))
	cmd.AddCommand(newStatusCommand(baseLogger))
	cmd.AddCommand(newLockCommand(baseLogger))

	return cmd
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}
	abs, err := filepath.Abs(cfgPath)
	if err != nil {
		return "", fmt.Errorf("resolve config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", abs, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", abs)
	}
	viper.SetConfigFile(abs)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", abs, err)
	}
	return abs, nil
}

func bindConfig() (batchd.Config, error) {
	if _, err := loadConfigFile(); err != nil {
		return batchd.Config{}, err
	}
	cfg := batchd.DefaultConfig()
	cfg.Store = viper.GetString("store")
	cfg.LockName = viper.GetString("lock-name")
	cfg.Limit = viper.GetInt64("limit")
	cfg.WaitInterval = viper.GetDuration("wait-interval")
	cfg.AcquireTimeout = viper.GetDuration("acquire-timeout")
	cfg.RetryMaxAttempts = viper.GetInt("retry-attempts")
	cfg.RetryBaseDelay = viper.GetDuration("retry-base-delay")
	cfg.RetryMaxDelay = viper.GetDuration("retry-max-delay")
	cfg.RetryMultiplier = viper.GetFloat64("retry-multiplier")
	cfg.MaxUnitsPerRun = viper.GetInt("max-units")
	cfg.SpoolDir = viper.GetString("spool")
	cfg.SpoolPollInterval = viper.GetDuration("spool-poll-interval")
	cfg.SpoolDisableNotify = viper.GetBool("spool-no-notify")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.OutputDir = viper.GetString("output-dir")
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	return cfg, cfg.Validate()
}

func commandLogger(baseLogger pslog.Logger) pslog.Logger {
	logLevel := strings.TrimSpace(viper.GetString("log-level"))
	if logLevel == "" {
		return baseLogger
	}
	if level, ok := pslog.ParseLevel(logLevel); ok {
		return baseLogger.LogLevel(level)
	}
	return baseLogger
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
