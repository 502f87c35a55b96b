package filesync

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/previewsync/internal/blobstore"
	"github.com/fruitsalade/previewsync/internal/diffcodec"
	"github.com/fruitsalade/previewsync/internal/logging"
	"github.com/fruitsalade/previewsync/internal/metrics"
)

// DefaultPayloadCap bounds the estimated size of a CODE message.
const DefaultPayloadCap = 31500

// payloadOverhead approximates the envelope, metadata and dependency
// fields of a CODE message.
const payloadOverhead = 1024

// Options configures an Engine.
type Options struct {
	PayloadCap int
	Logger     *zap.Logger
}

// Payload is the file portion of a CODE message.
type Payload struct {
	Diff    map[string]string
	BlobRef map[string]string
	// Size is the estimated wire size.
	Size int
}

// Engine is the sending side of file sync. It is safe for concurrent use,
// but Prepare calls must not overlap; run them through a flight.Queue.
type Engine struct {
	store  blobstore.Store
	cap    int
	logger *zap.Logger
	differ func(name, from, to string) string

	mu    sync.Mutex
	files map[string]*FileRecord
}

// NewEngine creates an engine that offloads to store.
func NewEngine(store blobstore.Store, opts Options) *Engine {
	if opts.PayloadCap <= 0 {
		opts.PayloadCap = DefaultPayloadCap
	}
	return &Engine{
		store:  store,
		cap:    opts.PayloadCap,
		logger: logging.Or(opts.Logger),
		differ: diffcodec.Diff,
		files:  make(map[string]*FileRecord),
	}
}

// Write sets the local contents of p, creating its record on first write.
// Paths with asset extensions are treated as binary.
func (e *Engine) Write(p, contents string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.files[p]
	if !ok {
		rec = &FileRecord{Path: p, Asset: IsAsset(p)}
		e.files[p] = rec
	}
	rec.Contents = contents
}

// Delete removes p. The next payload omits it, which the receiver treats
// as a deletion.
func (e *Engine) Delete(p string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.files, p)
}

// Get returns a copy of p's record.
func (e *Engine) Get(p string) (FileRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.files[p]
	if !ok {
		return FileRecord{}, false
	}
	return *rec, true
}

// Files returns copies of all records, sorted by path.
func (e *Engine) Files() []FileRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]FileRecord, 0, len(e.files))
	for _, rec := range e.files {
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(a, b FileRecord) int { return cmp.Compare(a.Path, b.Path) })
	return out
}

// staged is the outcome for one file in a cycle, committed only when the
// whole cycle succeeds.
type staged struct {
	rec      FileRecord
	diff     string
	hasDiff  bool
	ref      string
	baseline string
}

// Prepare computes the payload for the current state. Binary files are
// always offloaded. An unchanged offloaded file reuses its reference.
// Other files are diffed against their remote baseline, or against "" when
// they have none. If the estimate exceeds the payload cap, files are
// offloaded largest diff first until it fits or every file is offloaded.
//
// A file whose diff fails is sent as it was in the last cycle, so
// receivers keep its previous contents; a file that was never sent is
// left out. A blob store error fails the whole cycle and leaves every
// record as it was.
func (e *Engine) Prepare(ctx context.Context) (Payload, error) {
	start := time.Now()

	e.mu.Lock()
	snapshot := make([]FileRecord, 0, len(e.files))
	for _, rec := range e.files {
		snapshot = append(snapshot, *rec)
	}
	e.mu.Unlock()
	slices.SortFunc(snapshot, func(a, b FileRecord) int { return cmp.Compare(a.Path, b.Path) })

	stages := make(map[string]*staged, len(snapshot))
	for _, rec := range snapshot {
		st := &staged{rec: rec, ref: rec.RemoteRef, baseline: rec.RemoteBaseline}

		switch {
		case rec.Asset:
			if !rec.HasRemote() || rec.RemoteBaseline != rec.Contents {
				if err := e.offload(ctx, st, "asset"); err != nil {
					metrics.RecordSyncCycle(time.Since(start), false)
					return Payload{}, err
				}
			}
		case rec.HasRemote() && rec.RemoteBaseline == rec.Contents:
			// Unchanged since offload; the reference alone reproduces it.
		default:
			patch, err := e.diff(rec)
			if err != nil {
				e.logger.Warn("diff failed, resending previous state", zap.String("path", rec.Path), zap.Error(err))
				if !rec.HasRemote() && rec.PendingDiff == "" {
					continue
				}
				patch = rec.PendingDiff
			}
			st.diff, st.hasDiff = patch, patch != ""
		}
		stages[rec.Path] = st
	}

	size := estimate(stages)
	for size > e.cap {
		st := largestDiff(stages)
		if st == nil {
			break
		}
		if err := e.offload(ctx, st, "size"); err != nil {
			metrics.RecordSyncCycle(time.Since(start), false)
			return Payload{}, err
		}
		size = estimate(stages)
	}

	e.commit(stages)

	payload := Payload{
		Diff:    make(map[string]string),
		BlobRef: make(map[string]string),
		Size:    size,
	}
	for p, st := range stages {
		if st.hasDiff {
			payload.Diff[p] = st.diff
		}
		if st.ref != "" {
			payload.BlobRef[p] = st.ref
		}
	}

	metrics.RecordCodePayload(size)
	metrics.RecordSyncCycle(time.Since(start), true)
	e.logger.Debug("payload prepared",
		zap.Int("diffs", len(payload.Diff)),
		zap.Int("refs", len(payload.BlobRef)),
		zap.Int("size", size),
	)
	return payload, nil
}

func (e *Engine) diff(rec FileRecord) (string, error) {
	base := ""
	if rec.HasRemote() {
		base = rec.RemoteBaseline
	}
	patch := e.differ(rec.Path, base, rec.Contents)
	if patch == "" {
		return "", &DiffError{Path: rec.Path, Err: diffcodec.ErrInvalidPatch}
	}
	got, err := diffcodec.Apply(base, patch)
	if err != nil {
		return "", &DiffError{Path: rec.Path, Err: err}
	}
	if got != rec.Contents {
		return "", &DiffError{Path: rec.Path, Err: fmt.Errorf("%w: patch does not reproduce contents", diffcodec.ErrInvalidPatch)}
	}
	return patch, nil
}

func (e *Engine) offload(ctx context.Context, st *staged, reason string) error {
	url, err := e.store.Upload(ctx, []byte(st.rec.Contents))
	if err != nil {
		e.logger.Error("offload failed, aborting cycle",
			zap.String("path", st.rec.Path),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return err
	}
	metrics.RecordOffload(reason)
	st.ref = url
	st.baseline = st.rec.Contents
	st.diff, st.hasDiff = "", false
	return nil
}

func (e *Engine) commit(stages map[string]*staged) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for p, st := range stages {
		rec, ok := e.files[p]
		if !ok {
			continue // deleted mid-cycle
		}
		rec.RemoteRef = st.ref
		rec.RemoteBaseline = st.baseline
		rec.PendingDiff = st.diff
	}
}

// estimate approximates the wire size of the staged payload: the
// serialized diffs, the reference table and a fixed overhead.
func estimate(stages map[string]*staged) int {
	size := payloadOverhead
	refs := make(map[string]string)
	for p, st := range stages {
		if st.hasDiff {
			size += jsonLen(p) + jsonLen(st.diff)
		}
		if st.ref != "" {
			refs[p] = st.ref
		}
	}
	if len(refs) > 0 {
		raw, _ := json.Marshal(refs)
		size += len(raw)
	}
	return size
}

func jsonLen(s string) int {
	raw, _ := json.Marshal(s)
	return len(raw)
}

// largestDiff returns the staged file with the longest diff, breaking ties
// by path, or nil when no diff remains.
func largestDiff(stages map[string]*staged) *staged {
	var best *staged
	for _, p := range slices.Sorted(maps.Keys(stages)) {
		st := stages[p]
		if !st.hasDiff {
			continue
		}
		if best == nil || len(st.diff) > len(best.diff) {
			best = st
		}
	}
	return best
}
