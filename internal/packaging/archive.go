// Package packaging turns a finished job directory into a deliverable
// archive and removes job directories afterwards.
package packaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/xkilldash9x/harvestbot/api/schemas"
)

// Archive writes every regular file under dir into a deflate zip at dest.
// Entry names are relative to dir. dest must not be inside dir.
func Archive(ctx context.Context, dir, dest string) (err error) {
	rel, relErr := filepath.Rel(dir, dest)
	if relErr == nil && rel != ".." && !startsWithParent(rel) {
		return fmt.Errorf("%w: archive %s would be written inside %s", schemas.ErrPackagingFailed, dest, dir)
	}

	var files []string
	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("%w: listing %s: %v", schemas.ErrPackagingFailed, dir, walkErr)
	}
	sort.Strings(files)

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("%w: %v", schemas.ErrPackagingFailed, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: %v", schemas.ErrPackagingFailed, cerr)
		}
		if err != nil {
			_ = os.Remove(dest)
		}
	}()

	zw := zip.NewWriter(out)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addFile(zw, dir, path); err != nil {
			return fmt.Errorf("%w: %v", schemas.ErrPackagingFailed, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("%w: finishing archive: %v", schemas.ErrPackagingFailed, err)
	}
	return nil
}

func startsWithParent(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

func addFile(zw *zip.Writer, root, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	name, err := filepath.Rel(root, path)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(name)
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// Remover deletes job directories after a grace delay, so the browser has
// released its handles on freshly downloaded files.
type Remover struct {
	grace  time.Duration
	logger *zap.Logger
	sleep  func(time.Duration)
}

// NewRemover creates a Remover.
func NewRemover(grace time.Duration, logger *zap.Logger) *Remover {
	return &Remover{grace: grace, logger: logger.Named("cleanup"), sleep: time.Sleep}
}

// Remove waits the grace delay once and deletes every path recursively.
// Failures are logged, never returned: cleanup must not turn a finished job
// into a failed one.
func (r *Remover) Remove(paths ...string) {
	var targets []string
	for _, p := range paths {
		if p != "" {
			targets = append(targets, p)
		}
	}
	if len(targets) == 0 {
		return
	}
	if r.grace > 0 {
		r.sleep(r.grace)
	}
	for _, p := range targets {
		if err := os.RemoveAll(p); err != nil {
			r.logger.Warn("Could not remove job path.", zap.String("path", p), zap.Error(err))
			continue
		}
		r.logger.Debug("Removed job path.", zap.String("path", p))
	}
}

// Prune removes each directory if it is empty, innermost first. Directories
// still used by another job of the same user are left alone.
func (r *Remover) Prune(dirs ...string) {
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.Remove(d); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.logger.Debug("Directory kept.", zap.String("path", d), zap.Error(err))
		}
	}
}
