// Command transmissiond runs the transmission engine: the scheduler tick
// loop, the device monitor, the control handler's HTTP surface, and the
// observability HTTP surface, all wired against one metadata store, blob
// store, and connection pool (spec.md §4).
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joluben/iotdevsim-transmission/internal/adapter"
	"github.com/joluben/iotdevsim-transmission/internal/blobstore"
	"github.com/joluben/iotdevsim-transmission/internal/breaker"
	"github.com/joluben/iotdevsim-transmission/internal/cache"
	"github.com/joluben/iotdevsim-transmission/internal/config"
	"github.com/joluben/iotdevsim-transmission/internal/control"
	"github.com/joluben/iotdevsim-transmission/internal/device"
	"github.com/joluben/iotdevsim-transmission/internal/events"
	"github.com/joluben/iotdevsim-transmission/internal/metadatastore"
	"github.com/joluben/iotdevsim-transmission/internal/monitor"
	"github.com/joluben/iotdevsim-transmission/internal/netguard"
	"github.com/joluben/iotdevsim-transmission/internal/obs"
	"github.com/joluben/iotdevsim-transmission/internal/pool"
	"github.com/joluben/iotdevsim-transmission/internal/scheduler"
	"github.com/joluben/iotdevsim-transmission/internal/secrets"
)

func main() {
	dsn := flag.String("dsn", "transmission.db", "Metadata store DSN (sqlite file path or file::memory:?cache=shared)")
	blobBaseDir := flag.String("blob-base-dir", "./datasets", "Base directory for dataset files")
	legacyBlobPrefixes := flag.String("legacy-blob-prefixes", "", "Comma-separated legacy path prefixes rewritten to --blob-base-dir")

	controlAddr := flag.String("control-addr", ":8090", "Control Handler HTTP address")
	controlSharedSecret := flag.String("control-shared-secret", "", "X-Control-Token required on control endpoints (empty disables the check)")

	allowPrivateNetworks := flag.String("allow-private-networks", "", "Comma-separated CIDR ranges exempted from the HTTP adapter's SSRF guard (e.g. '127.0.0.0/8' for local testing)")

	obsAddr := flag.String("obs-addr", ":9090", "Observability HTTP address (/metrics, /healthz)")
	metricsExporter := flag.String("metrics-exporter", "none", "OTel metrics exporter: none, stdout, otlp-grpc, otlp-http")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP collector endpoint (for otlp-grpc/otlp-http)")
	otlpInsecure := flag.Bool("otlp-insecure", false, "Disable TLS on the OTLP exporter connection")
	hostSampleInterval := flag.Duration("host-sample-interval", 15*time.Second, "How often to sample host CPU/memory for observability")
	tracingExporter := flag.String("tracing-exporter", "none", "OTel trace exporter: none, stdout, otlp-grpc, otlp-http")
	tracingSampleRate := flag.Float64("tracing-sample-rate", 1.0, "Fraction of transmit/control spans to sample (0.0-1.0)")

	decryptKeyHex := flag.String("decrypt-key-hex", "", "32-byte AES-256-GCM key (hex) for decrypting sensitive connection-config fields; empty disables decryption")

	schedulerTick := flag.Duration("scheduler-tick-interval", config.Defaults().SchedulerTickInterval, "Scheduler tick interval")
	monitorInterval := flag.Duration("device-monitor-interval", config.Defaults().DeviceMonitorInterval, "Device monitor reconcile interval")
	maxConcurrent := flag.Int("max-concurrent-transmissions", config.Defaults().MaxConcurrentTransmissions, "Maximum concurrent in-flight transmissions")
	maxActiveDevices := flag.Int("max-active-devices", config.Defaults().MaxActiveDevices, "Maximum devices the monitor adopts at once")

	mqttConnectTimeout := flag.Duration("mqtt-connect-timeout", 10*time.Second, "MQTT dial timeout")
	mqttPublishTimeout := flag.Duration("mqtt-publish-timeout", 10*time.Second, "MQTT publish timeout")
	kafkaDialTimeout := flag.Duration("kafka-dial-timeout", 10*time.Second, "Kafka dial timeout")
	httpTimeout := flag.Duration("http-timeout", 30*time.Second, "HTTP adapter request timeout")
	flag.Parse()

	cfg := config.Defaults()
	cfg.SchedulerTickInterval = *schedulerTick
	cfg.DeviceMonitorInterval = *monitorInterval
	cfg.MaxConcurrentTransmissions = *maxConcurrent
	cfg.MaxActiveDevices = *maxActiveDevices
	cfg.PublishTimeout = *httpTimeout

	logger := events.New()

	store, err := metadatastore.Open(*dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transmissiond: open metadata store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	var legacyPrefixes []string
	if *legacyBlobPrefixes != "" {
		for _, p := range strings.Split(*legacyBlobPrefixes, ",") {
			if p = strings.TrimSpace(p); p != "" {
				legacyPrefixes = append(legacyPrefixes, p)
			}
		}
	}
	blobs := blobstore.New(*blobBaseDir, legacyPrefixes...)

	var decryptor secrets.Decryptor = secrets.Noop{}
	if *decryptKeyHex != "" {
		key, err := decodeHexKey(*decryptKeyHex)
		if err != nil {
			fmt.Fprintf(os.Stderr, "transmissiond: decrypt key: %v\n", err)
			os.Exit(1)
		}
		aesDecryptor, err := secrets.NewAESGCM(key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "transmissiond: build decryptor: %v\n", err)
			os.Exit(1)
		}
		decryptor = aesDecryptor
	}

	devices := device.NewMap()
	connCache := cache.NewConnectionCache(cfg.ConnectionCacheTTL)
	datasetCache := cache.NewDatasetCache(cfg.DatasetCacheTTL)
	breakers := breaker.NewRegistry(cfg.CircuitBreakerFailureThreshold, cfg.CircuitBreakerBaseRecovery, cfg.CircuitBreakerMaxRecovery)
	connPool := pool.New(cfg.ConnectionPoolMaxIdle, cfg.ConnectionPoolHealthCheckPeriod)

	var privateNets []string
	if *allowPrivateNetworks != "" {
		for _, cidr := range strings.Split(*allowPrivateNetworks, ",") {
			if cidr = strings.TrimSpace(cidr); cidr != "" {
				privateNets = append(privateNets, cidr)
			}
		}
	}
	ssrfGuard := netguard.NewValidator(privateNets)
	httpAdapter := adapter.NewHTTPAdapter(*httpTimeout)
	httpAdapter.SetSSRFGuard(ssrfGuard)
	httpsAdapter := adapter.NewHTTPAdapter(*httpTimeout)
	httpsAdapter.SetSSRFGuard(ssrfGuard)

	adapters := adapter.NewRegistry(map[metadatastore.Protocol]adapter.Adapter{
		metadatastore.ProtocolMQTT:  adapter.NewMQTTAdapter(*mqttConnectTimeout, *mqttPublishTimeout),
		metadatastore.ProtocolHTTP:  httpAdapter,
		metadatastore.ProtocolHTTPS: httpsAdapter,
		metadatastore.ProtocolKafka: adapter.NewKafkaAdapter(*kafkaDialTimeout, *httpTimeout),
	})

	metricsCfg := obs.DefaultMetricsConfig()
	metricsCfg.Enabled = *metricsExporter != "none"
	metricsCfg.ExporterType = obs.ExporterType(*metricsExporter)
	metricsCfg.OTLPEndpoint = *otlpEndpoint
	metricsCfg.OTLPInsecure = *otlpInsecure

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics, err := obs.NewMetrics(ctx, metricsCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transmissiond: build metrics: %v\n", err)
		os.Exit(1)
	}
	defer metrics.Shutdown(context.Background())

	collector := obs.NewCollector()
	reporter := obs.Multi{metrics, collector}

	tracingCfg := obs.DefaultTracingConfig()
	tracingCfg.Enabled = *tracingExporter != "none"
	tracingCfg.ExporterType = obs.ExporterType(*tracingExporter)
	tracingCfg.OTLPEndpoint = *otlpEndpoint
	tracingCfg.OTLPInsecure = *otlpInsecure
	tracingCfg.SampleRate = *tracingSampleRate
	tracer, err := obs.NewTracer(ctx, tracingCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transmissiond: build tracer: %v\n", err)
		os.Exit(1)
	}
	defer tracer.Shutdown(context.Background())

	hostSampler := obs.NewHostSampler(*hostSampleInterval, reporter)
	go hostSampler.Run(ctx)

	engine := scheduler.New(cfg, store, devices, connCache, breakers, connPool, adapters, decryptor, logger, reporter)
	engine.SetTracer(tracer)
	connPool.Start(ctx, nil)

	mon := monitor.New(store, blobs, datasetCache, devices, logger, cfg.DeviceMonitorInterval, cfg.MaxActiveDevices)
	mon.SetReporter(reporter)

	controlHandler := control.New(mon, devices, store, logger)
	controlHandler.SetAdapters(adapters)
	controlHandler.SetConnectionResources(connPool, breakers)
	controlServer := control.NewServer(controlHandler, *controlSharedSecret)
	controlServer.SetTracer(tracer)

	obsServer := obs.NewServer(collector)

	controlHTTP := &http.Server{Addr: *controlAddr, Handler: controlServer}
	obsHTTP := &http.Server{Addr: *obsAddr, Handler: obsServer}

	go func() {
		if err := controlHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "transmissiond: control server: %v\n", err)
		}
	}()
	go func() {
		if err := obsHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "transmissiond: observability server: %v\n", err)
		}
	}()

	go mon.Run(ctx)
	go engine.Run(ctx)

	fmt.Printf("transmissiond started: control=%s observability=%s dsn=%s\n", *controlAddr, *obsAddr, *dsn)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down transmissiond...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	controlHTTP.Shutdown(shutdownCtx)
	obsHTTP.Shutdown(shutdownCtx)
	connPool.Stop()
	engine.Stop()

	fmt.Println("transmissiond stopped")
}

func decodeHexKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid hex key: %w", err)
	}
	return key, nil
}
