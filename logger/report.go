package logger

import (
	"context"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	errorsMarket  int64
	errorsAccount int64
	errorsOrder   int64
	errorsRisk    int64
	warnsMarket   int64
	warnsAccount  int64
	warnsOrder    int64
	warnsRisk     int64

	bookUpdates      int64
	candleUpdates    int64
	ordersPlaced     int64
	ordersCanceled   int64
	liquidations     int64
	snapshotsWritten int64
)

func bucketFor(component string) (errs, warns *int64) {
	switch {
	case strings.Contains(component, "market"):
		return &errorsMarket, &warnsMarket
	case strings.Contains(component, "account"):
		return &errorsAccount, &warnsAccount
	case strings.Contains(component, "order"), strings.Contains(component, "oms"):
		return &errorsOrder, &warnsOrder
	case strings.Contains(component, "risk"):
		return &errorsRisk, &warnsRisk
	}
	return nil, nil
}

func recordWarn(component string) {
	if _, w := bucketFor(component); w != nil {
		atomic.AddInt64(w, 1)
	}
}

func recordError(component string) {
	if e, _ := bucketFor(component); e != nil {
		atomic.AddInt64(e, 1)
	}
}

// IncrementBookUpdate counts one accepted depth update.
func IncrementBookUpdate() {
	atomic.AddInt64(&bookUpdates, 1)
}

// IncrementCandleUpdate counts one accepted closed candle.
func IncrementCandleUpdate() {
	atomic.AddInt64(&candleUpdates, 1)
}

// IncrementOrderPlaced counts one order submission.
func IncrementOrderPlaced() {
	atomic.AddInt64(&ordersPlaced, 1)
}

// IncrementOrderCanceled counts one cancel request.
func IncrementOrderCanceled() {
	atomic.AddInt64(&ordersCanceled, 1)
}

// IncrementLiquidation counts one risk-triggered liquidation.
func IncrementLiquidation() {
	atomic.AddInt64(&liquidations, 1)
}

// IncrementSnapshotWritten counts one persisted risk snapshot row.
func IncrementSnapshotWritten() {
	atomic.AddInt64(&snapshotsWritten, 1)
}

// StartReport begins periodic logging of system and trading statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memMB := int64(0)
	if memStats != nil {
		memMB = int64(memStats.Used) / 1024 / 1024
	}

	fields := Fields{
		"errors_market":     atomic.LoadInt64(&errorsMarket),
		"errors_account":    atomic.LoadInt64(&errorsAccount),
		"errors_order":      atomic.LoadInt64(&errorsOrder),
		"errors_risk":       atomic.LoadInt64(&errorsRisk),
		"warns_market":      atomic.LoadInt64(&warnsMarket),
		"warns_account":     atomic.LoadInt64(&warnsAccount),
		"warns_order":       atomic.LoadInt64(&warnsOrder),
		"warns_risk":        atomic.LoadInt64(&warnsRisk),
		"book_updates":      atomic.LoadInt64(&bookUpdates),
		"candle_updates":    atomic.LoadInt64(&candleUpdates),
		"orders_placed":     atomic.LoadInt64(&ordersPlaced),
		"orders_canceled":   atomic.LoadInt64(&ordersCanceled),
		"liquidations":      atomic.LoadInt64(&liquidations),
		"snapshots_written": atomic.LoadInt64(&snapshotsWritten),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         memMB,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memMB))},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		{MetricName: aws.String("BookUpdates"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&bookUpdates)))},
		{MetricName: aws.String("CandleUpdates"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&candleUpdates)))},
		{MetricName: aws.String("OrdersPlaced"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&ordersPlaced)))},
		{MetricName: aws.String("OrdersCanceled"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&ordersCanceled)))},
		{MetricName: aws.String("Liquidations"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&liquidations)))},
		{MetricName: aws.String("SnapshotsWritten"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&snapshotsWritten)))},
		{MetricName: aws.String("ErrorsMarket"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsMarket)))},
		{MetricName: aws.String("ErrorsAccount"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsAccount)))},
		{MetricName: aws.String("ErrorsOrder"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsOrder)))},
		{MetricName: aws.String("ErrorsRisk"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsRisk)))},
	}

	publishMetrics(ctx, data)
}
