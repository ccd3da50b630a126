package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/KevoDB/usf/pkg/common/log"
	"github.com/KevoDB/usf/pkg/config"
	"github.com/KevoDB/usf/pkg/engine"
	"github.com/KevoDB/usf/pkg/format"
)

var (
	dataTypes   = pflag.String("types", "text,binary,json,structured,image", "comma separated data types to benchmark")
	numPayloads = pflag.IntP("count", "n", 200, "payloads stored per data type")
	payloadSize = pflag.Int("size", 256*1024, "approximate payload size in bytes")
	workers     = pflag.IntP("workers", "w", runtime.GOMAXPROCS(0), "concurrent store/retrieve workers")
	blockSize   = pflag.Int("block-size", config.DefaultBlockSize, "container block size")
	compressor  = pflag.String("compressor", "auto", "auto, zstd, lz4, snappy, xz or none")
	dataDir     = pflag.String("data-dir", "./benchmark-data", "directory for the benchmark container")
	seed        = pflag.Int64("seed", 1, "payload generator seed")
	cpuProfile  = pflag.String("cpu-profile", "", "write CPU profile to file")
	memProfile  = pflag.String("mem-profile", "", "write memory profile to file")
	resultsFile = pflag.String("results", "", "CSV file to write results to (in addition to stdout)")
)

func main() {
	pflag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "usf-bench: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			return fmt.Errorf("could not create CPU profile: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("could not start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	types, err := parseTypes(*dataTypes)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create benchmark directory: %w", err)
	}
	path := filepath.Join(*dataDir, "bench.usf")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove previous container: %w", err)
	}

	cfg := config.NewDefaultConfig()
	cfg.BlockSize = *blockSize
	cfg.Compressor = *compressor
	cfg.Workers = *workers
	if err := cfg.Validate(); err != nil {
		return err
	}

	e, err := engine.Create(path, engine.WithConfig(cfg),
		engine.WithLogger(log.NewStandardLogger(log.WithLevel(log.LevelWarn))))
	if err != nil {
		return err
	}
	defer e.Close()

	fmt.Printf("Benchmark Report (%s)\n", time.Now().Format(time.RFC3339))
	fmt.Printf("Payloads: %d per type, Size: %d bytes, Workers: %d, Block size: %d, Compressor: %s\n\n",
		*numPayloads, *payloadSize, *workers, *blockSize, *compressor)

	var results []BenchmarkResult
	for _, dt := range types {
		gen := newGenerator(dt, *payloadSize, *seed)
		res, err := benchmarkType(e, dt, gen, *numPayloads, *workers)
		if err != nil {
			return fmt.Errorf("%s benchmark failed: %w", dt, err)
		}
		results = append(results, res...)
		for _, r := range res {
			fmt.Println(r.String())
		}
	}

	size := e.Size()
	fmt.Printf("\nContainer: %d keys, %d bytes on disk\n", e.Len(), size)

	if *resultsFile != "" {
		if err := SaveResultCSV(results, *resultsFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write results to file: %v\n", err)
		}
	}

	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			return fmt.Errorf("could not create memory profile: %w", err)
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			return fmt.Errorf("could not write memory profile: %w", err)
		}
	}
	return nil
}

func parseTypes(list string) ([]format.DataType, error) {
	var types []format.DataType
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		dt, err := format.ParseDataType(name)
		if err != nil {
			return nil, err
		}
		types = append(types, dt)
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("no data types selected")
	}
	return types, nil
}
