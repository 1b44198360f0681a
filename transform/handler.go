package transform

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/xraph/imgdispatch"
	"github.com/xraph/imgdispatch/id"
	"github.com/xraph/imgdispatch/job"
	"github.com/xraph/imgdispatch/storage"
)

// OutputRef names the output of one attempt. The name depends only on the
// job, the attempt and the input, so a repeated attempt overwrites its own
// output instead of leaving a second copy.
func OutputRef(jobID id.JobID, attempt int, inputRef string) string {
	base := path.Base(inputRef)
	ext := path.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("processed/%s/%d/processed_%s%s", jobID, attempt, name, ext)
}

// Handler returns the process_image handler: read the input from store,
// transform it, write the output next to it.
func Handler(store storage.Storage, t Transformer) job.HandlerFunc {
	return func(ctx context.Context, r *job.Record) (*job.Result, error) {
		input, err := store.Get(ctx, r.InputRef)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", imgdispatch.ErrInputNotFound, r.InputRef)
		}
		if err != nil {
			return nil, err
		}

		output, meta, err := t.Transform(ctx, input, path.Base(r.InputRef), r.Params)
		if err != nil {
			return nil, err
		}

		ref := OutputRef(r.ID, r.AttemptCount, r.InputRef)
		if err := store.Put(ctx, ref, output); err != nil {
			return nil, err
		}

		return &job.Result{
			Status:      "success",
			OriginalRef: r.InputRef,
			OutputRef:   ref,
			Size:        int64(len(output)),
			Dimensions:  [2]int{meta.Width, meta.Height},
			Format:      meta.Format,
		}, nil
	}
}

// Discard deletes the output an uncommitted attempt left behind.
func Discard(store storage.Storage) func(ctx context.Context, res *job.Result) error {
	return func(ctx context.Context, res *job.Result) error {
		return store.Delete(ctx, res.OutputRef)
	}
}
