package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"

	"media-optimizer/internal/database"
	"media-optimizer/internal/filesystem"
	"media-optimizer/internal/logging"
	"media-optimizer/internal/mediatypes"
	"media-optimizer/internal/storage"
)

// outputFile is a candidate found under the output directory.
type outputFile struct {
	path    string
	size    int64
	modTime time.Time
	// partial is a copy into the output tree that has not been renamed
	// into place.
	partial bool
}

// walkOutputs lists output-extension files and partial copies under root.
// A missing root is not an error.
func walkOutputs(ctx context.Context, root string) ([]outputFile, error) {
	if root == "" {
		return nil, nil
	}
	var files []outputFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				if path == root {
					return filepath.SkipDir
				}
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		partial := strings.HasSuffix(path, storage.PartialSuffix)
		if d.IsDir() || !(partial || mediatypes.IsOutput(path)) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		files = append(files, outputFile{path: path, size: info.Size(), modTime: info.ModTime(), partial: partial})
		return nil
	})
	return files, err
}

// settled reports whether a file is old enough for the orphan pass.
func (s *Service) settled(f outputFile) bool {
	return s.now().Sub(f.modTime) >= s.cfg.OrphanMinAge
}

func (s *Service) remove(pass, path string, pr *PassReport) {
	freed, err := filesystem.RemoveWithRetry(path, s.retry)
	if err != nil {
		pr.Errors++
		logging.Warn("Cleanup %s: failed to remove %s: %v", pass, path, err)
		return
	}
	pr.FilesRemoved++
	pr.BytesFreed += freed
	logging.Debug("Cleanup %s: removed %s (%d bytes)", pass, path, freed)
}

// sweepCorrupted removes outputs below the size threshold and, when
// integrity checking is on, outputs that no longer probe as playable video.
func (s *Service) sweepCorrupted(ctx context.Context, pr *PassReport) error {
	files, err := walkOutputs(ctx, s.cfg.OutputDir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.partial {
			continue
		}
		if f.size < s.cfg.CorruptedThreshold {
			s.remove(PassCorrupted, f.path, pr)
			continue
		}
		if !s.cfg.IntegrityCheck || s.verifier == nil {
			continue
		}
		if err := s.verifier.Verify(ctx, f.path); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Info("Cleanup %s: %s failed integrity probe: %v", PassCorrupted, f.path, err)
			s.remove(PassCorrupted, f.path, pr)
		}
	}
	return nil
}

// sweepOrphans removes outputs no result references, then prunes empty
// directories left under the output root.
func (s *Service) sweepOrphans(ctx context.Context, pr *PassReport) error {
	if s.cfg.OutputDir == "" {
		return nil
	}
	// Read references before listing the disk so a result created during
	// the walk can only make a file look referenced, never orphaned.
	results, err := s.store.ListResults(ctx, database.ResultFilter{})
	if err != nil {
		return err
	}
	referenced := make(map[string]bool, len(results))
	for _, r := range results {
		referenced[filepath.Clean(r.OutputPath)] = true
	}

	files, err := walkOutputs(ctx, s.cfg.OutputDir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if referenced[filepath.Clean(f.path)] || !s.settled(f) {
			continue
		}
		s.remove(PassOrphans, f.path, pr)
	}

	pruneEmptyDirs(s.cfg.OutputDir)
	return nil
}

// sweepTemp removes stale staging and chunk files. Staging directories of
// in-flight jobs are skipped whatever their age.
func (s *Service) sweepTemp(ctx context.Context, pr *PassReport) error {
	skip := make(map[string]bool)
	if s.cfg.TempDir != "" {
		for _, id := range s.inFlight() {
			if id != "" {
				skip[filepath.Join(s.cfg.TempDir, id)] = true
			}
		}
	}

	cutoff := s.now().Add(-s.cfg.TempMaxAge)
	var errs error
	for _, root := range []string{s.cfg.TempDir, s.cfg.ChunkDir} {
		if root == "" {
			continue
		}
		errs = multierr.Append(errs, s.sweepStale(ctx, root, cutoff, skip, pr))
		pruneEmptyDirs(root)
	}
	return errs
}

func (s *Service) sweepStale(ctx context.Context, root string, cutoff time.Time, skip map[string]bool, pr *PassReport) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				if path == root {
					return filepath.SkipDir
				}
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if skip[path] {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.ModTime().Before(cutoff) {
			s.remove(PassTemp, path, pr)
		}
		return nil
	})
}

// pruneEmptyDirs removes empty directories below root, deepest first.
// root itself is kept.
func pruneEmptyDirs(root string) {
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) == 0 {
			_ = os.Remove(dir)
		}
	}
}

// reconcileDatabase drops results whose output is gone and expired
// terminal jobs.
func (s *Service) reconcileDatabase(ctx context.Context, pr *PassReport) error {
	results, err := s.store.ListResults(ctx, database.ResultFilter{})
	if err != nil {
		return err
	}

	var errs error
	for _, r := range results {
		if err := ctx.Err(); err != nil {
			return err
		}
		if filesystem.Exists(r.OutputPath, s.retry) {
			continue
		}
		if err := s.store.DeleteResult(ctx, r.ID); err != nil && !errors.Is(err, database.ErrNotFound) {
			errs = multierr.Append(errs, err)
			continue
		}
		pr.RowsRemoved++
		logging.Debug("Cleanup %s: removed result %d for missing %s", PassDatabase, r.ID, r.OutputPath)
	}

	// Completed jobs still holding results keep them unless PruneCompleted
	// is set, since deleting the job cascades to the results.
	cutoff := s.now().Add(-s.cfg.JobRetention)
	statuses := []database.JobStatus{database.StatusFailed, database.StatusCancelled}
	if s.cfg.PruneCompleted {
		statuses = append(statuses, database.StatusCompleted)
	} else {
		n, err := s.store.DeleteJobsWithoutResults(ctx, []database.JobStatus{database.StatusCompleted}, cutoff)
		errs = multierr.Append(errs, err)
		pr.RowsRemoved += n
	}
	n, err := s.store.DeleteJobs(ctx, statuses, cutoff)
	errs = multierr.Append(errs, err)
	pr.RowsRemoved += n

	return errs
}

// pruneHistory drops analytics rows past retention.
func (s *Service) pruneHistory(ctx context.Context, pr *PassReport) error {
	n, err := s.store.DeleteAnalyticsBefore(ctx, s.now().Add(-s.cfg.AnalyticsRetention))
	if err != nil {
		return err
	}
	pr.RowsRemoved += n
	return nil
}
