package filesync

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/previewsync/internal/blobstore"
	"github.com/fruitsalade/previewsync/internal/diffcodec"
	"github.com/fruitsalade/previewsync/internal/logging"
)

// DefaultFetchConcurrency bounds parallel blob fetches per Apply.
const DefaultFetchConcurrency = 4

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	FetchConcurrency int
	Logger           *zap.Logger
}

// Receiver reconstructs file contents from CODE payloads.
type Receiver struct {
	store       blobstore.Store
	concurrency int
	logger      *zap.Logger

	mu        sync.Mutex
	files     map[string]string
	refs      map[string]string
	baselines map[string]string
}

// NewReceiver creates a receiver that fetches offloaded bodies from store.
func NewReceiver(store blobstore.Store, opts ReceiverOptions) *Receiver {
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = DefaultFetchConcurrency
	}
	return &Receiver{
		store:       store,
		concurrency: opts.FetchConcurrency,
		logger:      logging.Or(opts.Logger),
		files:       make(map[string]string),
		refs:        make(map[string]string),
		baselines:   make(map[string]string),
	}
}

// Apply updates the receiver's files from a payload and returns the paths
// that changed, sorted.
//
// For a referenced asset the reference itself is stored. For other
// referenced files the blob is fetched when the reference is new, cached
// as the file's baseline, and the file's diff (if any) applied on top.
// Diff-only files are patched against "". Known
// files absent from both maps are deleted.
//
// Files whose fetch fails keep their previous state; the failures are
// returned joined. Files whose patch fails to apply are logged and skipped.
func (r *Receiver) Apply(ctx context.Context, diff, blobRef map[string]string) ([]string, error) {
	fetched, fetchErr := r.fetch(ctx, blobRef)

	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []string
	set := func(p, contents string) {
		if old, ok := r.files[p]; !ok || old != contents {
			changed = append(changed, p)
		}
		r.files[p] = contents
	}

	for _, p := range slices.Sorted(maps.Keys(blobRef)) {
		ref := blobRef[p]
		if IsAsset(p) {
			r.refs[p] = ref
			delete(r.baselines, p)
			set(p, ref)
			continue
		}

		baseline, ok := fetched[p]
		if !ok {
			if r.refs[p] != ref {
				continue // fetch failed
			}
			baseline = r.baselines[p]
		}
		r.refs[p] = ref
		r.baselines[p] = baseline

		contents := baseline
		if patch, ok := diff[p]; ok {
			var err error
			contents, err = diffcodec.Apply(baseline, patch)
			if err != nil {
				r.logger.Warn("skipping file", zap.Error(&DiffError{Path: p, Err: err}))
				continue
			}
		}
		set(p, contents)
	}

	for _, p := range slices.Sorted(maps.Keys(diff)) {
		if _, ok := blobRef[p]; ok {
			continue
		}
		contents, err := r.applyDiffOnly(p, diff[p])
		if err != nil {
			r.logger.Warn("skipping file", zap.Error(&DiffError{Path: p, Err: err}))
			continue
		}
		set(p, contents)
	}

	for _, p := range slices.Sorted(maps.Keys(r.files)) {
		_, inDiff := diff[p]
		_, inRef := blobRef[p]
		if inDiff || inRef {
			continue
		}
		delete(r.files, p)
		delete(r.refs, p)
		delete(r.baselines, p)
		changed = append(changed, p)
	}

	slices.Sort(changed)
	return changed, fetchErr
}

// applyDiffOnly patches a file that arrived without a reference. The
// sender diffs unreferenced files against "", so any baseline cached from
// an earlier reference is stale and is dropped.
func (r *Receiver) applyDiffOnly(p, patch string) (string, error) {
	contents, err := diffcodec.Apply("", patch)
	if err != nil {
		return "", err
	}
	delete(r.refs, p)
	delete(r.baselines, p)
	return contents, nil
}

// fetch downloads the text blobs whose reference changed.
func (r *Receiver) fetch(ctx context.Context, blobRef map[string]string) (map[string]string, error) {
	r.mu.Lock()
	var need []string
	for p, ref := range blobRef {
		if !IsAsset(p) && r.refs[p] != ref {
			need = append(need, p)
		}
	}
	r.mu.Unlock()

	var (
		mu      sync.Mutex
		fetched = make(map[string]string, len(need))
		errs    []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, p := range need {
		g.Go(func() error {
			data, err := r.store.Fetch(gctx, blobRef[p])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("blob fetch failed", zap.String("path", p), zap.Error(err))
				errs = append(errs, err)
				return nil
			}
			fetched[p] = string(data)
			return nil
		})
	}
	g.Wait()
	return fetched, errors.Join(errs...)
}

// Contents returns the reconstructed contents of p. For assets this is the
// blob reference.
func (r *Receiver) Contents(p string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.files[p]
	return c, ok
}

// Files returns a copy of every reconstructed file.
func (r *Receiver) Files() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.files)
}
