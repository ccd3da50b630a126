package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/KevoDB/usf/pkg/format"
)

// BenchmarkResult stores the results of one benchmark phase
type BenchmarkResult struct {
	Operation   string
	DataType    string
	Payloads    int
	RawBytes    int64
	StoredBytes int64 // store phase only
	Duration    float64
	Throughput  float64 // MiB/s of logical data
	OpsPerSec   float64
	Latency     float64 // mean ms per payload
	Timestamp   time.Time
}

func newResult(op string, dt format.DataType, payloads int, rawBytes int64, elapsed time.Duration) BenchmarkResult {
	secs := elapsed.Seconds()
	r := BenchmarkResult{
		Operation: op,
		DataType:  dt.String(),
		Payloads:  payloads,
		RawBytes:  rawBytes,
		Duration:  secs,
		Timestamp: time.Now(),
	}
	if secs > 0 {
		r.Throughput = float64(rawBytes) / (1 << 20) / secs
		r.OpsPerSec = float64(payloads) / secs
	}
	if payloads > 0 {
		r.Latency = secs * 1000 / float64(payloads)
	}
	return r
}

// Ratio returns logical over stored bytes, or 0 when nothing was stored
func (r BenchmarkResult) Ratio() float64 {
	if r.StoredBytes == 0 {
		return 0
	}
	return float64(r.RawBytes) / float64(r.StoredBytes)
}

// String formats the result as one report line
func (r BenchmarkResult) String() string {
	line := fmt.Sprintf("%-8s %-10s %6d payloads  %8.2f MiB/s  %9.1f ops/s  %7.3f ms/op",
		r.Operation, r.DataType, r.Payloads, r.Throughput, r.OpsPerSec, r.Latency)
	if r.StoredBytes > 0 {
		line += fmt.Sprintf("  ratio %.2f", r.Ratio())
	}
	return line
}

// SaveResultCSV saves benchmark results to a CSV file
func SaveResultCSV(results []BenchmarkResult, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{
		"Timestamp", "Operation", "DataType", "Payloads", "RawBytes", "StoredBytes",
		"Duration", "Throughput", "OpsPerSec", "Latency", "Ratio",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range results {
		record := []string{
			r.Timestamp.Format(time.RFC3339),
			r.Operation,
			r.DataType,
			strconv.Itoa(r.Payloads),
			strconv.FormatInt(r.RawBytes, 10),
			strconv.FormatInt(r.StoredBytes, 10),
			fmt.Sprintf("%.3f", r.Duration),
			fmt.Sprintf("%.2f", r.Throughput),
			fmt.Sprintf("%.1f", r.OpsPerSec),
			fmt.Sprintf("%.3f", r.Latency),
			fmt.Sprintf("%.2f", r.Ratio()),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}
