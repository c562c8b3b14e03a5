package resign

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// sweep signs every embedded Mach-O binary in the app bundle except
// the main executable, which was already anchored. Individual failures
// are warned and counted, never fatal: repacking an archive with a few
// unsigned libraries is a degraded but valid outcome. Only a walk that
// never reached the main executable aborts, before any sweep signing
// starts.
func (s *Session) sweep(ctx context.Context) (int, error) {
	pending, sawExec, err := s.collectBinaries()
	if err != nil {
		return 0, err
	}
	if !sawExec {
		return 0, &StructuralError{Reason: "tree walk never reached " + s.execPath}
	}
	s.messagef("%d embedded binaries to sign", len(pending))

	if s.cfg.Parallel {
		return s.signParallel(ctx, pending), nil
	}
	return s.signSequential(ctx, pending), nil
}

// collectBinaries walks the bundle and classifies every regular file.
// The returned list is fixed: nothing discovered after signing begins
// joins the sweep. Unreadable files are skipped with a warning.
func (s *Session) collectBinaries() ([]string, bool, error) {
	var pending []string
	sawExec := false

	err := filepath.Walk(s.appPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			s.warnf("skipping %s: %v", path, err)
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if path == s.execPath {
			sawExec = true
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			s.warnf("skipping %s: %v", path, err)
			return nil
		}
		magic := make([]byte, 4)
		_, rerr := io.ReadFull(f, magic)
		f.Close()
		if rerr != nil {
			return nil // shorter than a Mach-O header
		}
		if ClassifyData(magic).Native {
			pending = append(pending, path)
		}
		return nil
	})
	return pending, sawExec, err
}

// signSequential signs the pending set one file at a time, in walk
// order. Entitlements only ever apply to the main executable, never to
// sweep members. Member failures bypass the lenient policy: they are
// counted and warned unconditionally, so Failures() stays accurate.
func (s *Session) signSequential(ctx context.Context, pending []string) int {
	failed := 0
	for _, path := range pending {
		if err := s.signAndVerify(ctx, path, ""); err != nil {
			s.warnf("%v", err)
			failed++
		}
	}
	return failed
}

// signParallel fans the pending set out over a bounded worker pool and
// joins before returning. Order of completion is unspecified; the
// failure policy is the same as the sequential sweep.
func (s *Session) signParallel(ctx context.Context, pending []string) int {
	var failed int32
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, path := range pending {
		path := path
		g.Go(func() error {
			if err := s.signAndVerify(ctx, path, ""); err != nil {
				s.warnf("%v", err)
				atomic.AddInt32(&failed, 1)
			}
			return nil
		})
	}
	g.Wait() // workers never return errors, the join is what matters
	return int(atomic.LoadInt32(&failed))
}
