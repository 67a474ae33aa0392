package writer

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	appconfig "tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

// SnapshotWriter appends one delimited row per risk evaluation cycle to
// a local CSV file and periodically ships the file to S3 when storage
// is enabled. Rows arrive over a bounded channel; when the channel is
// full the row is dropped rather than stalling the risk cycle.
type SnapshotWriter struct {
	config   *appconfig.Config
	rows     chan models.RiskSnapshot
	file     *os.File
	csv      *csv.Writer
	uploader *s3Uploader
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	rowsWritten int64
	rowsDropped int64
}

// NewSnapshotWriter opens (or creates) the snapshot file and writes the
// header on first use.
func NewSnapshotWriter(cfg *appconfig.Config) (*SnapshotWriter, error) {
	log := logger.GetLogger()

	if dir := filepath.Dir(cfg.Snapshots.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	file, err := os.OpenFile(cfg.Snapshots.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}

	w := &SnapshotWriter{
		config: cfg,
		rows:   make(chan models.RiskSnapshot, cfg.Channels.SnapshotBuffer),
		file:   file,
		csv:    csv.NewWriter(file),
		wg:     &sync.WaitGroup{},
		log:    log,
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat snapshot file: %w", err)
	}
	if info.Size() == 0 {
		if err := w.csv.Write(models.RiskSnapshotHeader()); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write snapshot header: %w", err)
		}
		w.csv.Flush()
	}

	if cfg.Storage.S3.Enabled {
		uploader, err := newS3Uploader(cfg)
		if err != nil {
			file.Close()
			return nil, err
		}
		w.uploader = uploader
	}

	log.WithComponent("snapshot_writer").WithFields(logger.Fields{
		"path":      cfg.Snapshots.Path,
		"s3_upload": cfg.Storage.S3.Enabled,
	}).Info("snapshot writer initialized")
	return w, nil
}

// LogRiskSnapshot queues one row for persistence without blocking the
// caller.
func (w *SnapshotWriter) LogRiskSnapshot(r models.RiskSnapshot) {
	select {
	case w.rows <- r:
	default:
		atomic.AddInt64(&w.rowsDropped, 1)
		w.log.WithComponent("snapshot_writer").Warn("snapshot buffer full, dropping row")
	}
}

// Start launches the writer worker.
func (w *SnapshotWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("snapshot writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	w.wg.Add(1)
	go w.worker()

	w.log.WithComponent("snapshot_writer").Info("snapshot writer started successfully")
	return nil
}

// Stop waits for the worker to drain and closes the file.
func (w *SnapshotWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.log.WithComponent("snapshot_writer").Info("stopping snapshot writer")
	w.wg.Wait()

	w.csv.Flush()
	if err := w.file.Close(); err != nil {
		w.log.WithComponent("snapshot_writer").WithError(err).Warn("failed to close snapshot file")
	}
	w.log.WithComponent("snapshot_writer").WithFields(logger.Fields{
		"rows_written": atomic.LoadInt64(&w.rowsWritten),
		"rows_dropped": atomic.LoadInt64(&w.rowsDropped),
	}).Info("snapshot writer stopped")
}

func (w *SnapshotWriter) worker() {
	defer w.wg.Done()

	log := w.log.WithComponent("snapshot_writer").WithFields(logger.Fields{"worker": "snapshot"})

	flushEvery := w.config.Snapshots.FlushInterval
	if flushEvery <= 0 {
		flushEvery = 30 * time.Second
	}
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.drain(log)
			return
		case r := <-w.rows:
			w.writeRow(log, r)
		case <-ticker.C:
			w.csv.Flush()
			if err := w.csv.Error(); err != nil {
				log.WithError(err).Error("failed to flush snapshot file")
				continue
			}
			w.upload(log)
		}
	}
}

func (w *SnapshotWriter) writeRow(log *logger.Entry, r models.RiskSnapshot) {
	if err := w.csv.Write(r.Row()); err != nil {
		log.WithError(err).Error("failed to write snapshot row")
		return
	}
	atomic.AddInt64(&w.rowsWritten, 1)
	logger.IncrementSnapshotWritten()
}

// drain writes whatever is still buffered before shutdown.
func (w *SnapshotWriter) drain(log *logger.Entry) {
	for {
		select {
		case r := <-w.rows:
			w.writeRow(log, r)
		default:
			w.csv.Flush()
			return
		}
	}
}

func (w *SnapshotWriter) upload(log *logger.Entry) {
	if w.uploader == nil {
		return
	}
	if err := w.uploader.uploadFile(w.ctx, w.config.Snapshots.Path); err != nil {
		log.WithError(err).Warn("failed to upload snapshot file to s3")
		return
	}
	log.Debug("snapshot file uploaded to s3")
}
