package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/maxpert/cdcsink/record"
	"github.com/rs/zerolog/log"
)

// Transport types
const (
	TransportSocket = "socket" // dial out to the subscriber
	TransportListen = "listen" // wait for the subscriber on the server port
	TransportKafka  = "kafka"
	TransportNats   = "nats"
)

// ConnectorConfiguration controls the sink connector
type ConnectorConfiguration struct {
	Database       string   `toml:"database"`
	ShardCount     int      `toml:"shard_count"`      // Importers expected before the merge starts
	BatchSize      int      `toml:"batch_size"`       // Queue capacity and merge batch size
	OrderingRule   string   `toml:"ordering_rule"`    // "commit_ts", "log_seq" or "none"
	GateTimeoutMS  int      `toml:"gate_timeout_ms"`  // Backpressure poll interval
	IdleIntervalMS int      `toml:"idle_interval_ms"` // Merge sleep when every queue is empty
	SchemaTables   []string `toml:"schema_tables"`    // "schema.table" entries used to annotate rows
}

// TransportConfiguration selects and configures the outbound transport
type TransportConfiguration struct {
	Type           string   `toml:"type"`
	Address        string   `toml:"address"`    // socket: subscriber address
	HighWater      int      `toml:"high_water"` // socket: pending frames before unwritable
	Brokers        []string `toml:"brokers"`    // kafka
	Topic          string   `toml:"topic"`      // kafka
	NatsURL        string   `toml:"nats_url"`   // nats
	Subject        string   `toml:"subject"`    // nats
	MaxInFlight    int      `toml:"max_in_flight"`
	WriteTimeoutMS int      `toml:"write_timeout_ms"`
}

// EncodingConfiguration controls batch serialization
type EncodingConfiguration struct {
	Format      string `toml:"format"`      // "msgpack" or "json"
	Compression string `toml:"compression"` // "none", "zstd" or "s2"
}

// SourceConfiguration configures the built-in ingestion tasks
type SourceConfiguration struct {
	Type            string   `toml:"type"` // "kafka" or "none"
	Brokers         []string `toml:"brokers"`
	Topic           string   `toml:"topic"`
	Partitions      []int    `toml:"partitions"` // one importer per partition
	FilterTables    []string `toml:"filter_tables"`
	FilterDatabases []string `toml:"filter_databases"`
	FlushIntervalMS int      `toml:"flush_interval_ms"`
}

// CheckpointConfiguration controls the persisted per-importer positions
type CheckpointConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// ServerConfiguration for the admin / subscriber listener
type ServerConfiguration struct {
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	AdminSecret string `toml:"admin_secret"` // Required on /admin when set
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Connector  ConnectorConfiguration  `toml:"connector"`
	Transport  TransportConfiguration  `toml:"transport"`
	Encoding   EncodingConfiguration   `toml:"encoding"`
	Source     SourceConfiguration     `toml:"source"`
	Checkpoint CheckpointConfiguration `toml:"checkpoint"`
	Server     ServerConfiguration     `toml:"server"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	PortFlag       = flag.Int("port", 0, "Server port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./cdcsink-data",

	Connector: ConnectorConfiguration{
		Database:       "cdc",
		ShardCount:     1,
		BatchSize:      1000,
		OrderingRule:   record.RuleCommitTS,
		GateTimeoutMS:  200,
		IdleIntervalMS: 200,
	},

	Transport: TransportConfiguration{
		Type:           TransportListen,
		HighWater:      64,
		MaxInFlight:    256,
		WriteTimeoutMS: 5000,
	},

	Encoding: EncodingConfiguration{
		Format:      "msgpack",
		Compression: "none",
	},

	Source: SourceConfiguration{
		Type:            "none",
		FlushIntervalMS: 100,
	},

	Checkpoint: CheckpointConfiguration{
		Enabled: true,
	},

	Server: ServerConfiguration{
		BindAddress: "0.0.0.0",
		Port:        4466,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *PortFlag != 0 {
		Config.Server.Port = *PortFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID derives a stable node ID from the machine ID, falling back
// to the hostname on hosts without one.
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("cdcsink")
	if err != nil {
		host, herr := os.Hostname()
		if herr != nil {
			return 0, err
		}
		log.Debug().Err(err).Str("host", host).Msg("Machine ID unavailable, hashing hostname")
		id = host
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	if sum := h.Sum64(); sum != 0 {
		return sum, nil
	}
	return 1, nil
}

// Validate checks configuration for errors
func Validate() error {
	c := Config

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Connector.ShardCount < 1 {
		return fmt.Errorf("shard count must be >= 1")
	}
	if c.Connector.BatchSize < 1 {
		return fmt.Errorf("batch size must be >= 1")
	}
	if c.Connector.GateTimeoutMS < 1 {
		return fmt.Errorf("gate timeout must be >= 1ms")
	}
	if c.Connector.IdleIntervalMS < 1 {
		return fmt.Errorf("idle interval must be >= 1ms")
	}
	if _, err := record.Rule(c.Connector.OrderingRule); err != nil {
		return err
	}
	for _, name := range c.Connector.SchemaTables {
		if !strings.Contains(name, ".") {
			return fmt.Errorf("schema table %q must be written as schema.table", name)
		}
	}

	switch c.Transport.Type {
	case TransportListen:
	case TransportSocket:
		if c.Transport.Address == "" {
			return fmt.Errorf("socket transport requires address")
		}
	case TransportKafka:
		if len(c.Transport.Brokers) == 0 || c.Transport.Topic == "" {
			return fmt.Errorf("kafka transport requires brokers and topic")
		}
	case TransportNats:
		if c.Transport.NatsURL == "" || c.Transport.Subject == "" {
			return fmt.Errorf("nats transport requires nats_url and subject")
		}
	default:
		return fmt.Errorf("invalid transport type: %s", c.Transport.Type)
	}
	if c.Transport.HighWater < 1 {
		return fmt.Errorf("transport high water must be >= 1")
	}
	if c.Transport.MaxInFlight < 1 {
		return fmt.Errorf("transport max in flight must be >= 1")
	}

	switch c.Encoding.Format {
	case "msgpack", "json":
	default:
		return fmt.Errorf("invalid encoding format: %s", c.Encoding.Format)
	}
	switch c.Encoding.Compression {
	case "", "none", "zstd", "s2":
	default:
		return fmt.Errorf("invalid compression: %s", c.Encoding.Compression)
	}

	switch c.Source.Type {
	case "", "none":
	case "kafka":
		if len(c.Source.Brokers) == 0 || c.Source.Topic == "" {
			return fmt.Errorf("kafka source requires brokers and topic")
		}
		if len(c.Source.Partitions) != c.Connector.ShardCount {
			return fmt.Errorf("kafka source has %d partitions but shard count is %d",
				len(c.Source.Partitions), c.Connector.ShardCount)
		}
	default:
		return fmt.Errorf("invalid source type: %s", c.Source.Type)
	}

	return nil
}

// CheckpointPath returns where the checkpoint store lives
func CheckpointPath() string {
	return filepath.Join(Config.DataDir, "checkpoints")
}
