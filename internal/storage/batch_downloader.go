package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchDownloader downloads objects in parallel into a local directory.
type BatchDownloader struct {
	storage     ObjectStorage
	concurrency int
	dir         string
}

// BatchRequest lists the objects to download. Lower Priority values are
// started first; Priority may be empty.
type BatchRequest struct {
	ObjectPaths []string
	Priority    []int
}

// BatchResult holds the outcome of a batch download.
type BatchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
	Skipped    int
	Downloads  int
}

// NewBatchDownloader creates a downloader writing into dir. Files already
// present in dir are not downloaded again.
func NewBatchDownloader(storage ObjectStorage, concurrency int, dir string) *BatchDownloader {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchDownloader{
		storage:     storage,
		concurrency: concurrency,
		dir:         dir,
	}
}

// Download fetches every requested object. Per-object failures are reported
// in the result; the returned error is only for invalid requests.
func (b *BatchDownloader) Download(ctx context.Context, req *BatchRequest) (*BatchResult, error) {
	result := &BatchResult{
		LocalPaths: make(map[string]string),
		Errors:     make(map[string]error),
	}
	if len(req.ObjectPaths) == 0 {
		return result, nil
	}

	priority := req.Priority
	if len(priority) == 0 {
		priority = make([]int, len(req.ObjectPaths))
	} else if len(priority) != len(req.ObjectPaths) {
		return nil, fmt.Errorf("priority array length must match object paths count")
	}

	type job struct {
		path      string
		priority  int
		localPath string
	}
	jobs := make([]job, len(req.ObjectPaths))
	for i, p := range req.ObjectPaths {
		jobs[i] = job{path: p, priority: priority[i], localPath: b.localPath(p)}
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].priority < jobs[j].priority
	})

	var queue []job
	for _, j := range jobs {
		if _, err := os.Stat(j.localPath); err == nil {
			result.LocalPaths[j.path] = j.localPath
			result.Skipped++
			continue
		}
		queue = append(queue, j)
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, j := range queue {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[j.path] = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(path, local string) {
			defer sem.Release(1)
			defer wg.Done()

			if err := b.storage.Download(ctx, path, local); err != nil {
				mu.Lock()
				result.Errors[path] = err
				mu.Unlock()
				return
			}
			mu.Lock()
			result.LocalPaths[path] = local
			result.Downloads++
			mu.Unlock()
		}(j.path, j.localPath)
	}

	wg.Wait()
	return result, nil
}

// localPath flattens an object path into a single file name inside dir so
// objects with the same base name do not collide.
func (b *BatchDownloader) localPath(objectPath string) string {
	flat := strings.ReplaceAll(strings.Trim(objectPath, "/"), "/", "_")
	return filepath.Join(b.dir, flat)
}
