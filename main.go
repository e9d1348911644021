package main

import (
	"net/http"
	"os"

	"derin/buffer"
	"derin/common"
	"derin/concurrency"
	"derin/config"
	"derin/disk"
	"derin/disk/wal"
	"derin/hash"
	"derin/telemetry"
	"derin/transaction"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// a tiny demo: build the engine, index some rows under row locks, read them
// back, and leave the metrics on /metrics if an address is configured.
func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	cfg := config.Default()
	if len(os.Args) > 1 {
		var err error
		if cfg, err = config.Load(os.Args[1]); err != nil {
			logger.Fatal("could not load config", zap.Error(err))
		}
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)
	if cfg.MetricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
				logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	dm, err := disk.NewDiskManager(cfg.DBFile, logger)
	if err != nil {
		logger.Fatal("could not open db file", zap.Error(err))
	}
	defer dm.Close()
	defer common.Remove(cfg.DBFile)

	pool := buffer.NewParallelBufferPool(cfg.NumInstances, cfg.PoolSize, dm, wal.NoopLM, logger, metrics)
	table, err := hash.NewExtendibleHashTable[int64, common.RID](pool, hash.Int64Comparator, hash.Int64Codec{}, hash.RIDCodec{}, logger, metrics)
	if err != nil {
		logger.Fatal("could not create the hash table", zap.Error(err))
	}

	txnManager := concurrency.NewTransactionManager()
	lockManager := concurrency.NewLockManager(txnManager, logger, metrics)

	txn := txnManager.Begin(transaction.RepeatableRead)
	for i := int64(0); i < 1000; i++ {
		rid := common.NewRID(int32(i/8), uint32(i%8))
		if !lockManager.LockExclusive(txn, rid) {
			logger.Fatal("lock was not granted", zap.Int64("key", i))
		}
		if _, err := table.Insert(i, rid); err != nil {
			logger.Fatal("insert failed", zap.Int64("key", i), zap.Error(err))
		}
	}
	txnManager.Commit(txn)

	reader := txnManager.Begin(transaction.ReadCommitted)
	for i := int64(0); i < 1000; i += 100 {
		rid := common.NewRID(int32(i/8), uint32(i%8))
		if !lockManager.LockShared(reader, rid) {
			logger.Fatal("read lock was not granted", zap.Int64("key", i))
		}
		values, err := table.GetValue(i)
		if err != nil || len(values) != 1 || values[0] != rid {
			logger.Fatal("lookup mismatch", zap.Int64("key", i), zap.Error(err))
		}
	}
	txnManager.Commit(reader)

	if err := table.VerifyIntegrity(); err != nil {
		logger.Fatal("directory invariants violated", zap.Error(err))
	}

	depth, _ := table.GetGlobalDepth()
	pool.FlushAllPages()
	logger.Info("demo done", zap.Uint32("globalDepth", depth), zap.Int("poolSize", pool.GetPoolSize()))
}
