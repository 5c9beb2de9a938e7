package config

import "time"

// Cluster modes
const (
	ClusterLocal   = "local"
	ClusterCompose = "compose"
)

// Source providers
const (
	ProviderSimFin  = "simfin"
	ProviderFixture = "fixture"
)

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() *PipelineConfig {
	return &PipelineConfig{
		Source: SourceConfig{
			Provider:    ProviderSimFin,
			DataDir:     "simfin_data",
			RefreshDays: 30,
			Market:      "us",
			Variant:     "annual",
		},
		Storage: StorageConfig{
			Bucket:     ".stocketl/bucket",
			StagingDir: "data_temp",
		},
		Cluster: ClusterConfig{
			Mode:            ClusterLocal,
			ResourceID:      "spark-cluster",
			ReadyTimeout:    Duration(2 * time.Minute),
			PollInterval:    Duration(2 * time.Second),
			StartRetries:    1,
			ReleaseTimeout:  Duration(2 * time.Minute),
			Docker:          "docker",
			ComposeFile:     "docker-compose.yml",
			MasterContainer: "spark-master",
			MasterURL:       "spark://spark-master:7077",
			AppPath:         "/opt/spark-apps/transform_stock_data.py",
		},
		Warehouse: WarehouseConfig{
			Path: ".stocketl/warehouse.db",
		},
		History: HistoryConfig{
			Path: ".stocketl/history.db",
		},
		Execution: ExecutionConfig{
			Parallelism:     1,
			FreshFor:        Duration(10 * time.Minute),
			BreakerFailures: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
