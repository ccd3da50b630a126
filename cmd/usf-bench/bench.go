package main

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KevoDB/usf/pkg/engine"
	"github.com/KevoDB/usf/pkg/format"
)

// benchmarkType stores count payloads of one data type with the given
// number of workers, then reads them all back and checks them
func benchmarkType(e *engine.Engine, dt format.DataType, gen *generator, count, workers int) ([]BenchmarkResult, error) {
	payloads := make([][]byte, count)
	var rawBytes int64
	for i := range payloads {
		payloads[i] = gen.next()
		rawBytes += int64(len(payloads[i]))
	}
	key := func(i int) string { return fmt.Sprintf("%s/%06d", dt, i) }

	var stored atomic.Int64
	start := time.Now()
	err := forEach(count, workers, func(i int) error {
		if err := e.Store(key(i), payloads[i], dt); err != nil {
			return err
		}
		info, err := e.Stat(key(i))
		if err != nil {
			return err
		}
		stored.Add(int64(info.StoredBytes))
		return nil
	})
	if err != nil {
		return nil, err
	}
	write := newResult("store", dt, count, rawBytes, time.Since(start))
	write.StoredBytes = stored.Load()

	start = time.Now()
	err = forEach(count, workers, func(i int) error {
		data, err := e.Retrieve(key(i))
		if err != nil {
			return err
		}
		if !bytes.Equal(data, payloads[i]) {
			return fmt.Errorf("%s: retrieved data differs from stored", key(i))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	read := newResult("retrieve", dt, count, rawBytes, time.Since(start))

	return []BenchmarkResult{write, read}, nil
}

// forEach calls fn for 0..n-1 on at most workers goroutines and stops at
// the first error
func forEach(n, workers int, fn func(i int) error) error {
	var g errgroup.Group
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		g.Go(func() error { return fn(i) })
	}
	return g.Wait()
}
