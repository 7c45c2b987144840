// Package pitstore provides an embedded point-in-time feature store for
// machine learning pipelines.
//
// Observations of (entity, feature) pairs accumulate in an append-only
// log; queries resolve each feature's value as of any moment and pivot
// the results into training tables with explicit missing-value handling.
// Training a model on data "as of" a past decision time and serving the
// same features live use one code path, which is what keeps training and
// serving consistent.
//
// # Basic Usage
//
// Open a store with default configuration:
//
//	store, err := pitstore.Open("features", pitstore.DefaultConfig("features"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
// Ingest observations:
//
//	err := store.Ingest(ctx, pitstore.Observation{
//	    EntityID:    "cust01",
//	    FeatureName: "tx_amount",
//	    Value:       120.50,
//	    ObservedAt:  txTime,
//	    Source:      "payments",
//	})
//
// Build a training table as of a label's decision time:
//
//	table, err := store.AsOfTime([]string{"cust01", "cust02"}, nil, decisionTime)
//
// Serve the same features live:
//
//	table, err := store.Latest([]string{"cust01"}, []string{"tx_amount"})
//
// # Features
//
// Core:
//   - Append-only observation log keyed by (entity, feature)
//   - Point-in-time resolution: the latest value observed at or before a
//     cutoff, with deterministic tie-breaks
//   - Training table pivot with fill policies (absent, zero, median, fail)
//   - Per-key write serialization; reads never block unrelated appends
//
// Durability:
//   - WAL-based crash recovery with rotation and background fsync
//   - Pluggable log backends (SQLite, PostgreSQL) with write-through
//   - Backup archives to a local directory or S3, with retention
//   - Encryption at rest (AES-256-GCM) for WAL segments and archives
//
// Pipelines:
//   - Rolling-window aggregation producing derived features
//   - Feature registry with value constraints and optional strict mode
//   - CSV and JSON lines export of training tables and raw observations
//   - Store and per-feature statistics
//
// # Configuration
//
// Use [Config] to customize behavior:
//
//	cfg := pitstore.Config{
//	    WAL: pitstore.WALConfig{
//	        Enabled:      true,
//	        SyncInterval: time.Second,
//	    },
//	    Pivot: pitstore.PivotConfig{
//	        DefaultFillPolicy: pitstore.FillAbsent,
//	    },
//	}
//
// Or use [DefaultConfig] for sensible defaults, or [LoadConfig] to read a
// YAML file.
package pitstore
