package storage

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Archiver copies journal segments into object storage under
// <prefix>/<yyyy>/<mm>/<dd>/<segment>.
type Archiver struct {
	store  ObjectStorage
	prefix string
	now    func() time.Time
}

// NewArchiver creates an archiver writing under prefix.
func NewArchiver(store ObjectStorage, prefix string) *Archiver {
	return &Archiver{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
	}
}

// Archive uploads a local segment and returns its object path. An object that
// already exists under the same name is not overwritten; the upload gets a
// time suffix instead.
func (a *Archiver) Archive(ctx context.Context, localPath string) (string, error) {
	now := a.now().UTC()
	name := filepath.Base(localPath)
	objectPath := a.objectPath(now, name)

	exists, err := a.store.Exists(ctx, objectPath)
	if err != nil {
		return "", fmt.Errorf("storage: failed to check %s: %w", objectPath, err)
	}
	if exists {
		objectPath = a.objectPath(now, fmt.Sprintf("%s.%d", name, now.UnixNano()))
	}

	if err := a.store.Upload(ctx, localPath, objectPath); err != nil {
		return "", err
	}
	return objectPath, nil
}

// Restore downloads every archived segment into dir using a BatchDownloader
// and deletes the restored objects. It returns the local paths written.
func (a *Archiver) Restore(ctx context.Context, dir string, concurrency int) ([]string, error) {
	objects, err := a.store.ListObjects(ctx, a.prefix)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, nil
	}

	result, err := NewBatchDownloader(a.store, concurrency, dir).Download(ctx, &BatchRequest{ObjectPaths: objects})
	if err != nil {
		return nil, err
	}
	for _, obj := range objects {
		if derr, ok := result.Errors[obj]; ok {
			return nil, fmt.Errorf("storage: failed to restore %s: %w", obj, derr)
		}
	}

	var restored []string
	for _, obj := range objects {
		local, ok := result.LocalPaths[obj]
		if !ok {
			continue
		}
		if err := a.store.Delete(ctx, obj); err != nil {
			return restored, err
		}
		restored = append(restored, local)
	}
	return restored, nil
}

func (a *Archiver) objectPath(t time.Time, name string) string {
	day := fmt.Sprintf("%04d/%02d/%02d", t.Year(), t.Month(), t.Day())
	if a.prefix == "" {
		return path.Join(day, name)
	}
	return path.Join(a.prefix, day, name)
}
