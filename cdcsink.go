package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/maxpert/cdcsink/ack"
	"github.com/maxpert/cdcsink/admin"
	"github.com/maxpert/cdcsink/cfg"
	"github.com/maxpert/cdcsink/checkpoint"
	"github.com/maxpert/cdcsink/connector"
	"github.com/maxpert/cdcsink/encoding"
	"github.com/maxpert/cdcsink/hlc"
	"github.com/maxpert/cdcsink/importer"
	"github.com/maxpert/cdcsink/record"
	"github.com/maxpert/cdcsink/server"
	"github.com/maxpert/cdcsink/telemetry"
	"github.com/maxpert/cdcsink/transport"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("cdcsink - ordered change data export")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Checkpoints
	var checkpoints *checkpoint.Store
	if cfg.Config.Checkpoint.Enabled {
		checkpoints, err = checkpoint.Open(cfg.CheckpointPath())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open checkpoint store")
			return
		}
		defer checkpoints.Close()
	}

	// Outbound transport and connector
	log.Info().Str("type", cfg.Config.Transport.Type).Msg("Opening transport")
	tr, err := transport.New(cfg.Config.Transport)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open transport")
		return
	}

	sink, err := initializeConnector(tr)
	if err != nil {
		tr.Close()
		log.Fatal().Err(err).Msg("Failed to initialize connector")
		return
	}
	defer sink.Close()

	collector := telemetry.NewMetricsCollector(sink, 5*time.Second)
	collector.Start()
	defer collector.Stop()

	// Admin API and subscriber sessions share the server port
	srv := initializeServer(sink, tr, checkpoints)
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
		return
	}
	defer srv.Stop()

	// Importers
	importers, err := initializeImporters(sink, checkpoints)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize importers")
		return
	}

	var wg sync.WaitGroup
	for _, imp := range importers {
		wg.Add(1)
		go func(imp *importer.ShardImporter) {
			defer wg.Done()
			if err := imp.Run(ctx); err != nil {
				log.Error().Err(err).Str("importer", imp.ID()).Msg("Importer stopped")
			}
		}(imp)
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Int("port", cfg.Config.Server.Port).
		Int("importers", len(importers)).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Node is operational")

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	// Closing the connector first releases importers parked on the transport
	sink.Close()
	wg.Wait()
}

func initializeConnector(tr transport.Transport) (*connector.Connector, error) {
	c := cfg.Config.Connector

	compare, err := record.Rule(c.OrderingRule)
	if err != nil {
		return nil, err
	}

	enc, err := encoding.NewBatchEncoder(cfg.Config.Encoding.Format, cfg.Config.Encoding.Compression)
	if err != nil {
		return nil, err
	}

	schemas, err := connector.NewTableSchemaResolver(c.SchemaTables, c.Database)
	if err != nil {
		return nil, err
	}

	return connector.New(connector.Config{
		Transport:    tr,
		Database:     c.Database,
		ShardCount:   c.ShardCount,
		Compare:      compare,
		Schemas:      schemas,
		Encoder:      enc,
		Acks:         ack.NewRegistry(ack.NewTokenGenerator(hlc.NewClock(cfg.Config.NodeID))),
		BatchSize:    c.BatchSize,
		GateTimeout:  time.Duration(c.GateTimeoutMS) * time.Millisecond,
		IdleInterval: time.Duration(c.IdleIntervalMS) * time.Millisecond,
	})
}

func initializeServer(sink *connector.Connector, tr transport.Transport, checkpoints *checkpoint.Store) *server.Server {
	mux := http.NewServeMux()
	server.RegisterProfiling(mux)

	config := server.Config{
		Address: cfg.Config.Server.BindAddress,
		Port:    cfg.Config.Server.Port,
		Handler: mux,
	}

	var sessions admin.Sessions
	if st, ok := tr.(*transport.SessionTransport); ok {
		config.Subscribers = st
		sessions = st
	}

	handlers := admin.NewAdminHandlers(sink, checkpoints, sessions)
	admin.RegisterRoutes(mux, handlers, cfg.Config.Server.AdminSecret, telemetry.GetMetricsHandler())

	return server.NewServer(config)
}

func initializeImporters(sink *connector.Connector, checkpoints *checkpoint.Store) ([]*importer.ShardImporter, error) {
	src := cfg.Config.Source
	if src.Type != "kafka" {
		log.Info().Msg("No built-in source configured, waiting for embedded importers")
		return nil, nil
	}

	var filter importer.Filter
	if len(src.FilterTables) > 0 || len(src.FilterDatabases) > 0 {
		f, err := importer.NewGlobFilter(src.FilterTables, src.FilterDatabases)
		if err != nil {
			return nil, err
		}
		filter = f
	}

	importers := make([]*importer.ShardImporter, 0, len(src.Partitions))
	for _, partition := range src.Partitions {
		id := fmt.Sprintf("%s-%d", src.Topic, partition)

		offset := int64(-1)
		if checkpoints != nil {
			if cp, ok, err := checkpoints.Load(id); err != nil {
				return nil, err
			} else if ok {
				offset = int64(cp.Position.LogSeq) + 1
			}
		}

		source, err := importer.NewKafkaSource(importer.KafkaSourceConfig{
			Brokers:     src.Brokers,
			Topic:       src.Topic,
			Partition:   partition,
			StartOffset: offset,
		})
		if err != nil {
			return nil, err
		}

		imp, err := importer.New(importer.Config{
			ID:            id,
			Source:        source,
			Sink:          sink,
			Filter:        filter,
			Checkpoints:   checkpoints,
			BatchSize:     cfg.Config.Connector.BatchSize,
			FlushInterval: time.Duration(src.FlushIntervalMS) * time.Millisecond,
		})
		if err != nil {
			source.Close()
			return nil, err
		}
		importers = append(importers, imp)
	}
	return importers, nil
}
