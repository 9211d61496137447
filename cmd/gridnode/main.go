package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime/debug"
	"runtime/pprof"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/couchbase/stellar-grid/contrib/goclustering"
	"github.com/couchbase/stellar-grid/grid"
	"github.com/couchbase/stellar-grid/grid/replicated"
	"github.com/couchbase/stellar-grid/pkg/webapi"
	"github.com/couchbase/stellar-grid/utils/netutils"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	etcd "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "devel"
	}
	return info.Main.Version
}

var buildVersion string = getBuildVersion()

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "stellar-grid",
	Short: "A data grid node providing key distribution, key affinity and a service registry",

	Run: func(cmd *cobra.Command, args []string) {
		if autoRestart && !autoRestartProc {
			startNodeWatchdog()
			return
		}

		startNode()
	},
}

var cfgFile string
var watchCfgFile bool
var autoRestart bool
var autoRestartProc bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")
	rootCmd.Flags().BoolVar(&autoRestart, "auto-restart", false, "in auto-restart mode, we run in a child process to auto-restart on failure")
	rootCmd.Flags().BoolVar(&autoRestartProc, "auto-restart-proc", false, "in auto-restart mode, indicates we are the child process")
	_ = rootCmd.Flags().MarkHidden("auto-restart-proc")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("node-id", "", "the unique id of this node, generated when empty")
	configFlags.String("server-group", "", "the server group (rack/zone) this node runs in")
	configFlags.String("advertise-addr", "", "the address other nodes reach this node on")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.Int("web-port", 9191, "the web metrics/health/introspection port")
	configFlags.StringSlice("etcd-endpoints", nil, "etcd endpoints to cluster through, runs non-clustered when empty")
	configFlags.String("etcd-prefix", "stellar-grid", "the etcd key prefix for this grid")
	configFlags.Int("num-segments", grid.DefaultNumSegments, "the number of hash segments")
	configFlags.Int("num-owners", grid.DefaultNumOwners, "the number of owners of each segment")
	configFlags.Bool("no-data", false, "join the grid without owning any segments")
	configFlags.Int("affinity-buffer-size", 100, "the number of pre-generated keys kept per member")
	configFlags.Duration("affinity-key-timeout", 10*time.Second, "how long to wait for an affine key")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	configFlags.Bool("disable-otlp-traces", false, "disable sending traces to otlp")
	configFlags.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
	configFlags.Bool("trace-everything", false, "enables tracing of all components")
	configFlags.String("cpuprofile", "", "write cpu profile to a file")
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("sgr")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func initTelemetry(
	ctx context.Context,
	logger *zap.Logger,
	otlpEndpoint string,
	enableTraces bool,
	enableMetrics bool,
	traceEverything bool,
) (
	*sdktrace.TracerProvider,
	*sdkmetric.MeterProvider,
	error,
) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			// the service name used to display traces in backends
			semconv.ServiceNameKey.String("stellar-grid"),
		),
	)
	if err != nil {
		if res == nil {
			return nil, nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	var meterProvider *sdkmetric.MeterProvider
	if !enableMetrics || otlpEndpoint == "" {
		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
		)
	} else {
		metricExp, err := otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithEndpoint(otlpEndpoint))
		if err != nil {
			return nil, nil, err
		}

		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		)
	}

	var tracerProvider *sdktrace.TracerProvider
	if enableTraces && otlpEndpoint != "" {
		traceClient := otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(otlpEndpoint))
		traceExp, err := otlptrace.New(ctx, traceClient)
		if err != nil {
			return nil, nil, err
		}

		baseTracing := sdktrace.NeverSample()
		if traceEverything {
			baseTracing = sdktrace.AlwaysSample()
		}

		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(baseTracing)),
			sdktrace.WithResource(res),
			sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExp)),
		)
	}

	return tracerProvider, meterProvider, nil
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

type config struct {
	logLevelStr        string
	nodeID             string
	serverGroup        string
	advertiseAddr      string
	bindAddress        string
	webPort            int
	etcdEndpoints      []string
	etcdPrefix         string
	numSegments        int
	numOwners          int
	noData             bool
	affinityBufferSize int
	affinityKeyTimeout time.Duration
	otlpEndpoint       string
	disableOtlpTraces  bool
	disableOtlpMetrics bool
	traceEverything    bool
	cpuprofile         string
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:        viper.GetString("log-level"),
		nodeID:             viper.GetString("node-id"),
		serverGroup:        viper.GetString("server-group"),
		advertiseAddr:      viper.GetString("advertise-addr"),
		bindAddress:        viper.GetString("bind-address"),
		webPort:            viper.GetInt("web-port"),
		etcdEndpoints:      viper.GetStringSlice("etcd-endpoints"),
		etcdPrefix:         viper.GetString("etcd-prefix"),
		numSegments:        viper.GetInt("num-segments"),
		numOwners:          viper.GetInt("num-owners"),
		noData:             viper.GetBool("no-data"),
		affinityBufferSize: viper.GetInt("affinity-buffer-size"),
		affinityKeyTimeout: viper.GetDuration("affinity-key-timeout"),
		otlpEndpoint:       viper.GetString("otlp-endpoint"),
		disableOtlpTraces:  viper.GetBool("disable-otlp-traces"),
		disableOtlpMetrics: viper.GetBool("disable-otlp-metrics"),
		traceEverything:    viper.GetBool("trace-everything"),
		cpuprofile:         viper.GetString("cpuprofile"),
	}

	logger.Info("parsed node configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.String("nodeId", config.nodeID),
		zap.String("serverGroup", config.serverGroup),
		zap.String("advertiseAddr", config.advertiseAddr),
		zap.String("bindAddress", config.bindAddress),
		zap.Int("webPort", config.webPort),
		zap.Strings("etcdEndpoints", config.etcdEndpoints),
		zap.String("etcdPrefix", config.etcdPrefix),
		zap.Int("numSegments", config.numSegments),
		zap.Int("numOwners", config.numOwners),
		zap.Bool("noData", config.noData),
		zap.Int("affinityBufferSize", config.affinityBufferSize),
		zap.Duration("affinityKeyTimeout", config.affinityKeyTimeout),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpTraces", config.disableOtlpTraces),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics),
		zap.Bool("traceEverything", config.traceEverything),
		zap.String("cpuprofile", config.cpuprofile))

	return config
}

// restartRequired lists the settings which differ between two configurations
// and only take effect on a restart.
func restartRequired(oldConfig, newConfig *config) []string {
	var changed []string
	check := func(name string, differs bool) {
		if differs {
			changed = append(changed, name)
		}
	}

	check("nodeId", newConfig.nodeID != oldConfig.nodeID)
	check("serverGroup", newConfig.serverGroup != oldConfig.serverGroup)
	check("advertiseAddr", newConfig.advertiseAddr != oldConfig.advertiseAddr)
	check("bindAddress", newConfig.bindAddress != oldConfig.bindAddress)
	check("webPort", newConfig.webPort != oldConfig.webPort)
	check("etcdEndpoints", strings.Join(newConfig.etcdEndpoints, ",") != strings.Join(oldConfig.etcdEndpoints, ","))
	check("etcdPrefix", newConfig.etcdPrefix != oldConfig.etcdPrefix)
	check("numSegments", newConfig.numSegments != oldConfig.numSegments)
	check("numOwners", newConfig.numOwners != oldConfig.numOwners)
	check("noData", newConfig.noData != oldConfig.noData)
	check("affinityBufferSize", newConfig.affinityBufferSize != oldConfig.affinityBufferSize)
	check("otlpEndpoint", newConfig.otlpEndpoint != oldConfig.otlpEndpoint)
	check("disableOtlpTraces", newConfig.disableOtlpTraces != oldConfig.disableOtlpTraces)
	check("disableOtlpMetrics", newConfig.disableOtlpMetrics != oldConfig.disableOtlpMetrics)
	check("traceEverything", newConfig.traceEverything != oldConfig.traceEverything)
	check("cpuprofile", newConfig.cpuprofile != oldConfig.cpuprofile)

	return changed
}

func parseLogLevel(logger *zap.Logger, levelStr string) zapcore.Level {
	parsedLogLevel, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead")
		return zapcore.InfoLevel
	}
	return parsedLogLevel
}

// clusterBackends connects to etcd when endpoints are configured.  A nil
// client means the node runs non-clustered.
func clusterBackends(logger *zap.Logger, config *config) (*etcd.Client, goclustering.Provider, replicated.Map, error) {
	if len(config.etcdEndpoints) == 0 {
		return nil, nil, nil, nil
	}

	etcdClient, err := etcd.New(etcd.Config{
		Endpoints:   config.etcdEndpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, nil, nil, err
	}

	provider, err := goclustering.NewEtcdProvider(goclustering.EtcdProviderOptions{
		EtcdClient: etcdClient,
		KeyPrefix:  config.etcdPrefix,
		Logger:     logger.Named("etcd-provider"),
	})
	if err != nil {
		return nil, nil, nil, multierr.Append(err, etcdClient.Close())
	}

	values, err := replicated.NewEtcdMap(replicated.EtcdMapOptions{
		EtcdClient: etcdClient,
		KeyPrefix:  config.etcdPrefix + "/registry",
		Logger:     logger.Named("etcd-map"),
	})
	if err != nil {
		return nil, nil, nil, multierr.Append(err, etcdClient.Close())
	}

	return etcdClient, provider, values, nil
}

func startNode() {
	// initialize the logger
	logLevel, logger := getLogger()

	// signal that we are starting
	logger.Info("starting stellar-grid", zap.String("version", buildVersion))

	logger.Info("parsed launch configuration",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			logger.Panic("failed to load specified config file", zap.Error(err))
		}
	}

	config := readConfig(logger)
	logLevel.SetLevel(parseLogLevel(logger, config.logLevelStr))

	if config.nodeID == "" {
		config.nodeID = uuid.NewString()
		logger.Info("generated node id", zap.String("nodeId", config.nodeID))
	}

	advertiseAddr, err := netutils.ResolveAdvertiseAddress(config.advertiseAddr, config.bindAddress, nil)
	if err != nil {
		logger.Error("failed to determine the advertise address", zap.Error(err))
		os.Exit(1)
	}
	if advertiseAddr != config.advertiseAddr {
		logger.Info("resolved advertise address", zap.String("advertiseAddr", advertiseAddr))
	}

	// setup profiling
	if config.cpuprofile != "" {
		f, err := os.Create(config.cpuprofile)
		if err != nil {
			logger.Error("failed to create cpu profile file", zap.Error(err))
			os.Exit(1)
		}

		err = pprof.StartCPUProfile(f)
		if err != nil {
			logger.Error("failed to start cpu profiling", zap.Error(err))
			os.Exit(1)
		}

		defer pprof.StopCPUProfile()
	}

	// setup tracing
	otlpTracerProvider, otlpMeterProvider, err :=
		initTelemetry(context.Background(),
			logger,
			config.otlpEndpoint,
			!config.disableOtlpTraces,
			!config.disableOtlpMetrics,
			config.traceEverything)
	if err != nil {
		logger.Error("failed to initialize opentelemetry tracing", zap.Error(err))
		os.Exit(1)
	}

	if otlpTracerProvider != nil {
		otel.SetTracerProvider(otlpTracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	if otlpMeterProvider != nil {
		otel.SetMeterProvider(otlpMeterProvider)
	}

	etcdClient, provider, values, err := clusterBackends(logger, config)
	if err != nil {
		logger.Error("failed to connect to etcd", zap.Error(err))
		os.Exit(1)
	}

	node, err := grid.New(grid.Options{
		Logger:             logger.Named("grid"),
		NodeID:             config.nodeID,
		ServerGroup:        config.serverGroup,
		AdvertiseAddr:      advertiseAddr,
		WebPort:            config.webPort,
		NoData:             config.noData,
		Provider:           provider,
		Map:                values,
		NumSegments:        config.numSegments,
		NumOwners:          config.numOwners,
		AffinityBufferSize: config.affinityBufferSize,
		AffinityKeyTimeout: config.affinityKeyTimeout,
	})
	if err != nil {
		logger.Error("failed to initialize the grid", zap.Error(err))
		os.Exit(1)
	}

	// setup the web service
	webServer := webapi.NewWebServer(webapi.WebServerOptions{
		Logger:        logger.Named("webapi"),
		LogLevel:      &logLevel,
		ListenAddress: fmt.Sprintf("%s:%v", config.bindAddress, config.webPort),
		Node:          node,
	})
	go func() {
		err := webServer.ListenAndServe()
		if err != nil {
			logger.Error("failed to listen and serve web server", zap.Error(err))
		}
	}()

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		err := viper.ReadInConfig()
		if err != nil {
			logger.Warn("failed to parse configuration file",
				zap.Error(err))
		}

		newConfig := readConfig(logger)
		if newConfig.nodeID == "" {
			newConfig.nodeID = config.nodeID
		}

		if changed := restartRequired(config, newConfig); len(changed) > 0 {
			logger.Warn("some config changes require a restart", zap.Strings("settings", changed))
		}

		if newConfig.logLevelStr != config.logLevelStr {
			newParsedLogLevel := parseLogLevel(logger, newConfig.logLevelStr)
			logLevel.SetLevel(newParsedLogLevel)

			logger.Info("updated log level",
				zap.String("newLevel", newParsedLogLevel.String()))
		}

		if newConfig.affinityKeyTimeout != config.affinityKeyTimeout {
			node.Affinity().SetKeyTimeout(newConfig.affinityKeyTimeout)

			logger.Info("updated affinity key timeout",
				zap.Duration("newTimeout", newConfig.affinityKeyTimeout))
		}

		config = newConfig
	}

	if watchCfgFile {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected", zap.String("file", in.Name))
			reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	runCtx, cancelRun := context.WithCancel(context.Background())

	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		hasReceivedSigInt := false
		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("Received SIGINT, attempting graceful shutdown...")
					hasReceivedSigInt = true
					cancelRun()
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("Received SIGTERM, attempting graceful shutdown...")
				cancelRun()
			} else if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration...")
				reloadConfiguration()
			}
		}
	}()

	runErr := node.Run(runCtx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	shutdownErr := webServer.Shutdown(shutdownCtx)
	if otlpTracerProvider != nil {
		shutdownErr = multierr.Append(shutdownErr, otlpTracerProvider.Shutdown(shutdownCtx))
	}
	if otlpMeterProvider != nil {
		shutdownErr = multierr.Append(shutdownErr, otlpMeterProvider.Shutdown(shutdownCtx))
	}
	if etcdClient != nil {
		shutdownErr = multierr.Append(shutdownErr, etcdClient.Close())
	}

	if runErr != nil {
		logger.Error("failed to run the grid node", zap.Error(runErr))
		os.Exit(1)
	}
	if shutdownErr != nil {
		logger.Warn("errors during shutdown", zap.Error(shutdownErr))
	}

	logger.Info("grid node shutdown gracefully")
}

func startNodeWatchdog() {
	_, logger := getLogger()
	logger = logger.Named("watchdog")

	execProc := os.Args[0]
	execArgs := append([]string{"--auto-restart-proc"}, os.Args[1:]...)

	hasReceivedSigInt := false
	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("received sigint a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("received sigint, waiting for graceful shutdown...")
					hasReceivedSigInt = true
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("received sigterm, waiting for graceful shutdown...")
			}
		}
	}()

	for {
		logger.Info("starting sub-process")

		cmd := exec.Command(execProc, execArgs...)
		cmd.Stderr = os.Stderr
		cmd.Stdout = os.Stdout

		err := cmd.Start()
		if err != nil {
			logger.Info("failed to start sub-process", zap.Error(err))
		}

		err = cmd.Wait()
		if err != nil {
			logger.Info("sub-process exited with error", zap.Error(err))
		}

		if hasReceivedSigInt {
			break
		}

		delayTime := 1 * time.Second
		logger.Info("crash detected, restarting", zap.Duration("delay", delayTime))
		time.Sleep(delayTime)
	}
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
