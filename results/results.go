/*Package results persists the points of a run as they complete.

The result file is a JSON document with a run header and a results
hierarchy:

	{
	  "run": {"id": ..., "settings": ..., "temperatures": [...], ...},
	  "results": {
	    "0: 25": {            temperature
	      "0: 1000": {        frequency, only when the run has a frequency axis
	        "0: 1": {         voltage
	          "time": [...], "Channel1": [...], ...

Keys are "<index>: <value>" and appear in plan order.  The whole file is
rewritten after every point, through a temporary file and a rename, so a
crash loses at most the point in flight and never leaves a torn file.
*/
package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lcdlab/sponexp/sequencer"
	"github.com/lcdlab/sponexp/sweep"
)

// Options configure a Store
type Options struct {
	// FITS writes a .fits file per point next to the JSON
	FITS bool

	// Now timestamps the file, time.Now if nil
	Now func() time.Time
}

// Store accumulates the points of one run at a time and writes them to the
// run's output path.  It implements sequencer.Sink.
type Store struct {
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	path   string
	info   RunInfo
	root   *node
	points []*sweep.Point
	latest *sweep.Point
	tsv    bool
}

// New creates a store.  Nothing is written until a run begins.
func New(opts Options, log zerolog.Logger) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{opts: opts, log: log.With().Str("component", "results").Logger()}
}

// Begin starts a new document at the run's output path.  Points of the plan
// which already have a result, from a resumed run, are carried over.
func (s *Store) Begin(run sequencer.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, fs, vs := axes(run.Plan)
	s.path = run.Settings.OutputPath
	s.tsv = run.Settings.ExportTSV
	s.info = RunInfo{
		ID:           run.ID,
		Started:      run.Started,
		Settings:     run.Settings,
		Temperatures: ts,
		Frequencies:  fs,
		Voltages:     vs,
		Points:       len(run.Plan),
	}
	s.root = &node{}
	s.points = nil
	s.latest = nil
	for _, p := range run.Plan {
		if p.Done() {
			s.root.insert(p)
			s.points = append(s.points, p)
			s.latest = p
		}
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	s.log.Info().Str("path", s.path).Str("run", run.ID).Int("carried", len(s.points)).Msg("result file opened")
	return s.flush()
}

// Record adds a completed point and rewrites the file
func (s *Store) Record(p *sweep.Point) error {
	if !p.Done() {
		return fmt.Errorf("point %d has no result", p.Index)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root == nil {
		return fmt.Errorf("record point %d: no run has begun", p.Index)
	}
	s.root.insert(p)
	s.points = append(s.points, p)
	s.latest = p
	if err := s.flush(); err != nil {
		return err
	}
	base := Base(s.path)
	if s.tsv {
		name, err := ExportTSV(base, p)
		if err != nil {
			return err
		}
		s.log.Debug().Str("file", name).Msg("point exported")
	}
	if s.opts.FITS {
		if _, err := ExportFITS(base, s.info.ID, p); err != nil {
			return err
		}
	}
	return nil
}

// flush rewrites the document, the lock must be held
func (s *Store) flush() error {
	s.info.Updated = s.opts.Now()
	s.info.Recorded = len(s.points)
	b, err := json.MarshalIndent(document{Run: s.info, Results: s.root}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	return WriteFileAtomic(s.path, b)
}

// Latest returns the most recently recorded point
func (s *Store) Latest() (*sweep.Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.latest != nil
}

// Points returns the recorded points, in the order they were recorded
func (s *Store) Points() []*sweep.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*sweep.Point(nil), s.points...)
}

// Path is the file of the current run
func (s *Store) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Info returns the header of the current run
func (s *Store) Info() RunInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// WriteFileAtomic replaces path with b.  The data is written to a temporary
// file in the same directory, synced, then renamed over path.
func WriteFileAtomic(path string, b []byte) error {
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, "."+name+".tmp*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp) // no-op after a successful rename
	if err = f.Chmod(0o644); err != nil {
		f.Close()
		return err
	}
	if _, err = f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Base is the output path without its .json extension, the prefix of the
// per point export files
func Base(path string) string {
	return strings.TrimSuffix(path, ".json")
}
