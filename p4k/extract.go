package p4k

import (
	"os"
	"path/filepath"
	"sync"
)

// ExtractResult reports the outcome of extracting one entry.
type ExtractResult struct {
	Entry *Entry
	Err   error
}

// ExtractParallel decompresses every entry in entries and writes it under
// outDir, preserving the entry's canonicalized path. Work is distributed
// across workers goroutines pulling from a shared job channel, mirroring
// the teacher's directory-walking worker pool (cmd/dump.go). A workers
// value <= 0 defaults to 1.
func (a *Archive) ExtractParallel(entries []Entry, outDir string, workers int) []ExtractResult {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan *Entry)
	results := make([]ExtractResult, len(entries))

	var wg sync.WaitGroup
	var mu sync.Mutex
	indexByEntry := make(map[*Entry]int, len(entries))
	for i := range entries {
		indexByEntry[&entries[i]] = i
	}

	worker := func() {
		defer wg.Done()
		for e := range jobs {
			err := a.extractOne(e, outDir)
			mu.Lock()
			results[indexByEntry[e]] = ExtractResult{Entry: e, Err: err}
			mu.Unlock()
		}
	}

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go worker()
	}
	for i := range entries {
		jobs <- &entries[i]
	}
	close(jobs)
	wg.Wait()

	return results
}

func (a *Archive) extractOne(e *Entry, outDir string) error {
	data, err := a.Read(e)
	if err != nil {
		return err
	}
	dest := filepath.Join(outDir, filepath.FromSlash(e.Name))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}
