package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/eddielth/telemetry-normalizer/api"
	"github.com/eddielth/telemetry-normalizer/config"
	"github.com/eddielth/telemetry-normalizer/kafka"
	"github.com/eddielth/telemetry-normalizer/loader"
	"github.com/eddielth/telemetry-normalizer/logger"
	"github.com/eddielth/telemetry-normalizer/mqtt"
	"github.com/eddielth/telemetry-normalizer/pipeline"
	"github.com/eddielth/telemetry-normalizer/storage"
	"github.com/eddielth/telemetry-normalizer/transformer"
	"github.com/eddielth/telemetry-normalizer/validator"
	"github.com/joho/godotenv"
)

const spoolQuietPeriod = 500 * time.Millisecond

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	input := flag.String("input", "", "normalize this file once, print canonical NDJSON and exit")
	output := flag.String("output", "", "with -input, write canonical NDJSON to this file instead of stdout")
	flag.Parse()

	// .env only feeds NORMALIZER_* overrides and is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}

	if *input != "" {
		os.Exit(runOnce(*configPath, *input, *output))
	}

	if err := runService(*configPath); err != nil {
		log.Fatalf("telemetry normalizer failed: %v", err)
	}
}

// runOnce normalizes one file and returns the process exit code
func runOnce(configPath, input, output string) int {
	cfg := &config.Config{}
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			log.Printf("failed to load config: %v", err)
			return 2
		}
		cfg = loaded
	}

	// stdout carries canonical records only
	level, err := logger.ParseLogLevel(cfg.Logger.Level)
	if err != nil {
		log.Printf("%v, using info", err)
	}
	if err := logger.Init(logger.LoggerConfig{Level: level, Console: true, Output: os.Stderr}); err != nil {
		log.Printf("failed to initialize logger: %v", err)
	}
	defer logger.Close()

	transformers, err := transformer.NewManager(cfg.Scripts)
	if err != nil {
		log.Printf("failed to load enrichment scripts: %v", err)
		return 2
	}

	var out io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			log.Printf("failed to create output file: %v", err)
			return 2
		}
		defer f.Close()
		out = f
	}

	payloads, err := loader.LoadFile(input)
	if err != nil {
		log.Printf("%v", err)
		return 2
	}

	processor := pipeline.NewProcessor(transformers, validator.FromRules(cfg.Validation.Rules), &ndjsonSink{enc: json.NewEncoder(out)})
	summary := processor.ProcessBatch(input, payloads)
	for _, e := range summary.Errors {
		fmt.Fprintf(os.Stderr, "record %d: %s: %v\n", e.Index, pipeline.ErrorKind(e.Err), e.Err)
	}
	if summary.Failed > 0 {
		return 1
	}
	return 0
}

func runService(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := logger.InitFromConfig(cfg.Logger.Level, cfg.Logger.FilePath, cfg.Logger.MaxSize, cfg.Logger.MaxBackups, cfg.Logger.Console); err != nil {
		log.Printf("failed to initialize logger: %v, using defaults", err)
	}
	defer logger.Close()

	transformers, err := transformer.NewManager(cfg.Scripts)
	if err != nil {
		return fmt.Errorf("load enrichment scripts: %w", err)
	}

	storageManager, err := storage.NewManagerFromConfig(cfg.Storage)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer storageManager.Close()

	processor := pipeline.NewProcessor(transformers, validator.FromRules(cfg.Validation.Rules), storageManager)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, path := range cfg.Files.Paths {
		processFile(processor, path)
	}

	sources := 0

	if cfg.Files.WatchDir != "" {
		watcher, err := loader.NewWatcher(cfg.Files.WatchDir, spoolQuietPeriod, func(path string) {
			processFile(processor, path)
		})
		if err != nil {
			return fmt.Errorf("watch spool dir: %w", err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("spool watcher stopped: %v", err)
			}
		}()
		sources++
	}

	if cfg.MQTT.Enabled {
		mqttManager, err := mqtt.NewManager(cfg.MQTT, processor)
		if err != nil {
			return err
		}
		if err := mqttManager.Start(); err != nil {
			return err
		}
		defer mqttManager.Stop()
		sources++
	}

	if cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(cfg.Kafka, processor)
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("kafka consumer stopped: %v", err)
			}
		}()
		sources++
	}

	if cfg.API.Enabled {
		server := api.NewServer(net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port)), processor)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("%v", err)
				stop()
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Stop(shutdownCtx); err != nil {
				logger.Error("HTTP server shutdown failed: %v", err)
			}
		}()
		sources++
	}

	err = config.WatchConfig(configPath, func(newCfg *config.Config) error {
		return applyConfig(transformers, processor, newCfg)
	})
	if err != nil {
		logger.Warn("failed to watch config file: %v", err)
	} else {
		logger.Info("watching config file for changes")
	}

	if sources == 0 {
		logger.Warn("no streaming source enabled, exiting after startup files")
		return nil
	}

	logger.Info("telemetry normalizer started, waiting for records...")
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// applyConfig hot-swaps scripts and validation rules. Source and sink
// changes need a restart.
func applyConfig(transformers *transformer.Manager, processor *pipeline.Processor, cfg *config.Config) error {
	wanted := make(map[string]bool, len(cfg.Scripts))
	for deviceType, scriptCfg := range cfg.Scripts {
		wanted[strings.ToLower(deviceType)] = true
		if err := transformers.ReloadScript(deviceType, scriptCfg); err != nil {
			// keep going with the other scripts
			logger.Error("failed to reload script for %s: %v", deviceType, err)
		}
	}
	for _, deviceType := range transformers.DeviceTypes() {
		if !wanted[deviceType] {
			transformers.RemoveScript(deviceType)
			logger.Info("removed enrichment script for device type %s", deviceType)
		}
	}

	processor.SetValidators(validator.FromRules(cfg.Validation.Rules))
	logger.Info("source and storage changes take effect after restart")
	return nil
}

func processFile(processor *pipeline.Processor, path string) {
	payloads, err := loader.LoadFile(path)
	if err != nil {
		logger.Error("%v", err)
		return
	}
	processor.ProcessBatch("file:"+path, payloads)
}

// ndjsonSink writes one canonical record per line
type ndjsonSink struct {
	enc *json.Encoder
}

func (s *ndjsonSink) Store(record transformer.Record) error {
	return s.enc.Encode(record)
}
