// loom-bench is a benchmark and stress test for the loom storage
// engine. It creates a large file and measures load, edit, save, and
// recovery-snapshot performance, verifying results against a shadow
// copy where practical.
package main

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/phroun/loom"
)

const (
	fileSize       = 256 * 1024 * 1024 // 256 MB
	genChunkSize   = 4 * 1024 * 1024
	smallEditSize  = 100
	mediumEditSize = 10 * 1024
	readChunkSize  = 64 * 1024
)

type BenchResult struct {
	Name     string
	Duration time.Duration
	Ops      int
	Extra    string
}

func (r BenchResult) String() string {
	if r.Ops > 0 {
		opsPerSec := float64(r.Ops) / r.Duration.Seconds()
		if r.Extra != "" {
			return fmt.Sprintf("%-40s %12v  (%d ops, %.2f ops/sec) %s", r.Name, r.Duration.Round(time.Millisecond), r.Ops, opsPerSec, r.Extra)
		}
		return fmt.Sprintf("%-40s %12v  (%d ops, %.2f ops/sec)", r.Name, r.Duration.Round(time.Millisecond), r.Ops, opsPerSec)
	}
	if r.Extra != "" {
		return fmt.Sprintf("%-40s %12v  %s", r.Name, r.Duration.Round(time.Millisecond), r.Extra)
	}
	return fmt.Sprintf("%-40s %12v", r.Name, r.Duration.Round(time.Millisecond))
}

func main() {
	fmt.Println("Loom Benchmark and Stress Test")
	fmt.Println("==============================")
	fmt.Printf("File size: %d MB\n", fileSize/(1024*1024))
	fmt.Printf("Go version: %s\n", runtime.Version())
	fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
	fmt.Println()

	tmpDir, err := os.MkdirTemp("", "loom-bench-*")
	if err != nil {
		fmt.Printf("Failed to create temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tmpDir)

	testFile := filepath.Join(tmpDir, "test.txt")
	recoveryDir := filepath.Join(tmpDir, "recovery")

	var results []BenchResult

	fmt.Println("Generating test file...")
	result := generateTestFile(testFile)
	results = append(results, result)
	fmt.Println(result)
	fmt.Println()

	fs := loom.NewLocalFileSystem()

	runBench := func(name string, fn func() BenchResult) {
		fmt.Printf("  %-40s ", name+"...")
		r := fn()
		fmt.Printf("%v\n", r.Duration.Round(time.Millisecond))
		results = append(results, r)
	}

	fmt.Println("Running benchmarks...")
	fmt.Println()

	fmt.Println("Loading:")
	var buf *loom.TextBuffer
	runBench("Streaming load", func() BenchResult {
		start := time.Now()
		buf, err = loom.LoadFromFile(testFile, loom.DefaultChunkThreshold, fs)
		if err != nil {
			return BenchResult{Name: "Streaming load", Extra: fmt.Sprintf("ERROR: %v", err)}
		}
		return BenchResult{
			Name:     "Streaming load",
			Duration: time.Since(start),
			Extra:    fmt.Sprintf("%d bytes", buf.TotalBytes()),
		}
	})
	if buf == nil {
		os.Exit(1)
	}

	fmt.Println("\nRead operations:")
	runBench("Random range reads (64KB)", func() BenchResult { return benchRangeReads(buf) })

	fmt.Println("\nEdit operations:")
	runBench("Small inserts (100 bytes x 1000)", func() BenchResult { return benchInserts(buf, smallEditSize, 1000, "Small inserts (100 bytes x 1000)") })
	runBench("Small deletes (100 bytes x 1000)", func() BenchResult { return benchDeletes(buf, smallEditSize, 1000, "Small deletes (100 bytes x 1000)") })
	runBench("Medium inserts (10KB x 100)", func() BenchResult { return benchInserts(buf, mediumEditSize, 100, "Medium inserts (10KB x 100)") })

	fmt.Println("\nUndo/redo operations:")
	runBench("Undo/redo cycles", func() BenchResult { return benchUndoRedo(buf) })

	fmt.Println("\nRecovery snapshots:")
	storage := loom.NewRecoveryStorage(recoveryDir)
	id := storage.BufferID(testFile)
	runBench("Chunked snapshot", func() BenchResult {
		start := time.Now()
		meta, err := storage.SnapshotBuffer(id, buf, "bench", 1024*1024)
		if err != nil {
			return BenchResult{Name: "Chunked snapshot", Extra: fmt.Sprintf("ERROR: %v", err)}
		}
		return BenchResult{
			Name:     "Chunked snapshot",
			Duration: time.Since(start),
			Extra:    fmt.Sprintf("format=%s stored=%d bytes", meta.Format, meta.ContentSize),
		}
	})

	fmt.Println("\nSaving:")
	runBench("Patched save to original", func() BenchResult {
		start := time.Now()
		if err := buf.SaveToFile(testFile); err != nil {
			return BenchResult{Name: "Patched save to original", Extra: fmt.Sprintf("ERROR: %v", err)}
		}
		return BenchResult{Name: "Patched save to original", Duration: time.Since(start)}
	})

	fmt.Println("\nVerification:")
	runBench("Shadow equality (1MB sample)", func() BenchResult { return verifySample(buf, testFile) })

	fmt.Println()
	fmt.Println("SUMMARY")
	fmt.Println("=======")
	for _, r := range results {
		fmt.Println(r)
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fmt.Println()
	fmt.Printf("Peak heap allocation: %d MB\n", m.HeapSys/(1024*1024))
	fmt.Printf("Total allocations: %d MB\n", m.TotalAlloc/(1024*1024))
}

func generateTestFile(path string) BenchResult {
	start := time.Now()

	f, err := os.Create(path)
	if err != nil {
		return BenchResult{Name: "Generate test file", Extra: fmt.Sprintf("ERROR: %v", err)}
	}
	defer f.Close()

	lineNum := 1
	var written int64
	buf := make([]byte, 0, genChunkSize)

	for written < fileSize {
		buf = buf[:0]
		for len(buf) < genChunkSize-128 {
			buf = append(buf, fmt.Sprintf("line %08d: the quick brown fox jumps over the lazy dog\n", lineNum)...)
			lineNum++
		}
		n, err := f.Write(buf)
		if err != nil {
			return BenchResult{Name: "Generate test file", Extra: fmt.Sprintf("ERROR: %v", err)}
		}
		written += int64(n)
	}

	return BenchResult{
		Name:     "Generate test file",
		Duration: time.Since(start),
		Extra:    fmt.Sprintf("%d MB", written/(1024*1024)),
	}
}

func benchRangeReads(buf *loom.TextBuffer) BenchResult {
	const name = "Random range reads (64KB)"
	rng := rand.New(rand.NewSource(42))
	start := time.Now()
	ops := 0
	for i := 0; i < 200; i++ {
		pos := rng.Int63n(buf.TotalBytes() - readChunkSize)
		if _, err := buf.ReadRange(pos, readChunkSize); err != nil {
			return BenchResult{Name: name, Extra: fmt.Sprintf("ERROR: %v", err)}
		}
		ops++
	}
	return BenchResult{Name: name, Duration: time.Since(start), Ops: ops}
}

func benchInserts(buf *loom.TextBuffer, size, count int, name string) BenchResult {
	data := bytes.Repeat([]byte("x"), size)
	rng := rand.New(rand.NewSource(43))
	start := time.Now()
	for i := 0; i < count; i++ {
		pos := rng.Int63n(buf.TotalBytes() + 1)
		if err := buf.InsertBytes(pos, data); err != nil {
			return BenchResult{Name: name, Extra: fmt.Sprintf("ERROR: %v", err)}
		}
	}
	return BenchResult{Name: name, Duration: time.Since(start), Ops: count}
}

func benchDeletes(buf *loom.TextBuffer, size, count int, name string) BenchResult {
	rng := rand.New(rand.NewSource(44))
	start := time.Now()
	for i := 0; i < count; i++ {
		pos := rng.Int63n(buf.TotalBytes() - int64(size))
		if err := buf.DeleteBytes(pos, int64(size)); err != nil {
			return BenchResult{Name: name, Extra: fmt.Sprintf("ERROR: %v", err)}
		}
	}
	return BenchResult{Name: name, Duration: time.Since(start), Ops: count}
}

func benchUndoRedo(buf *loom.TextBuffer) BenchResult {
	const name = "Undo/redo cycles"
	start := time.Now()
	ops := 0
	for i := 0; i < 500 && buf.CanUndo(); i++ {
		if err := buf.Undo(); err != nil {
			return BenchResult{Name: name, Extra: fmt.Sprintf("ERROR: %v", err)}
		}
		ops++
	}
	for buf.CanRedo() {
		if err := buf.Redo(); err != nil {
			return BenchResult{Name: name, Extra: fmt.Sprintf("ERROR: %v", err)}
		}
		ops++
	}
	return BenchResult{Name: name, Duration: time.Since(start), Ops: ops}
}

// verifySample re-reads a window of the saved file and compares it to
// the buffer's view of the same range.
func verifySample(buf *loom.TextBuffer, path string) BenchResult {
	const name = "Shadow equality (1MB sample)"
	start := time.Now()

	pos := buf.TotalBytes() / 2
	n := int64(1024 * 1024)
	if pos+n > buf.TotalBytes() {
		n = buf.TotalBytes() - pos
	}

	fromBuf, err := buf.ReadRange(pos, n)
	if err != nil {
		return BenchResult{Name: name, Extra: fmt.Sprintf("ERROR: %v", err)}
	}

	f, err := os.Open(path)
	if err != nil {
		return BenchResult{Name: name, Extra: fmt.Sprintf("ERROR: %v", err)}
	}
	defer f.Close()
	fromDisk := make([]byte, n)
	if _, err := f.ReadAt(fromDisk, pos); err != nil {
		return BenchResult{Name: name, Extra: fmt.Sprintf("ERROR: %v", err)}
	}

	extra := "OK"
	if !bytes.Equal(fromBuf, fromDisk) {
		extra = "MISMATCH"
	}
	return BenchResult{Name: name, Duration: time.Since(start), Extra: extra}
}
