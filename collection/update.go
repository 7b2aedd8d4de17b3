package collection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kvdexhq/kvdex/keys"
)

// MergeStrategy selects how Update combines an existing document with
// a patch (spec §9 "Deep-merge strategy").
type MergeStrategy int

const (
	// MergeDeep recursively merges JSON objects (including maps) key by
	// key and concatenates JSON arrays (including sets encoded as
	// arrays) without removing duplicates — the default.
	MergeDeep MergeStrategy = iota
	// MergeShallow overlays the patch's top-level keys only, without
	// recursing into nested objects.
	MergeShallow
	// Replace discards the existing value entirely.
	Replace
)

// UpdateOptions configures Update.
type UpdateOptions struct {
	Strategy MergeStrategy
}

// Update merges patch into the document at id using strategy (default
// MergeDeep), then rewrites it. Internally this is delete-without-
// history followed by a fresh overwrite setDoc (spec §4.6): the
// rewrite still appends its own "write" history entry, so the net
// effect on the history log is one new write entry, not a spurious
// delete+write pair.
func (c *Collection[T]) Update(ctx context.Context, id keys.Part, patch map[string]any, opts UpdateOptions) (CommitResult, error) {
	existing, err := c.Find(ctx, id)
	if err != nil {
		return CommitResult{}, err
	}
	if existing == nil {
		return CommitResult{OK: false}, nil
	}

	merged, err := c.applyPatch(existing.Value, patch, opts.Strategy)
	if err != nil {
		return CommitResult{}, err
	}

	if err := c.deleteInternal(ctx, id, false); err != nil {
		return CommitResult{}, err
	}
	return c.setDoc(ctx, id, merged, WriteOptions{}, true)
}

// applyPatch renders value to its JSON object form, merges patch in
// per strategy, then decodes the result back into T.
func (c *Collection[T]) applyPatch(value T, patch map[string]any, strategy MergeStrategy) (T, error) {
	var zero T
	if strategy == Replace {
		return c.decodeFromMap(patch)
	}

	valueBytes, err := json.Marshal(value)
	if err != nil {
		return zero, fmt.Errorf("collection: marshal existing value for update: %w", err)
	}
	var dst map[string]any
	if err := json.Unmarshal(valueBytes, &dst); err != nil {
		// Value isn't a JSON object (e.g. a scalar or array document):
		// per spec, a non-object document is simply replaced.
		return c.decodeFromMap(patch)
	}

	if strategy == MergeShallow {
		for k, v := range patch {
			dst[k] = v
		}
	} else {
		mergeDeep(dst, patch)
	}

	return c.decodeFromMap(dst)
}

func (c *Collection[T]) decodeFromMap(m map[string]any) (T, error) {
	var v T
	b, err := json.Marshal(m)
	if err != nil {
		return v, fmt.Errorf("collection: marshal patch: %w", err)
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("collection: unmarshal patched value: %w", err)
	}
	return v, nil
}

// mergeDeep merges src into dst in place: plain objects recurse,
// arrays concatenate, everything else is replaced by src's value.
func mergeDeep(dst, src map[string]any) {
	for k, sv := range src {
		dv, exists := dst[k]
		if !exists {
			dst[k] = sv
			continue
		}
		switch svTyped := sv.(type) {
		case map[string]any:
			if dvTyped, ok := dv.(map[string]any); ok {
				mergeDeep(dvTyped, svTyped)
				continue
			}
			dst[k] = sv
		case []any:
			if dvTyped, ok := dv.([]any); ok {
				dst[k] = append(append([]any{}, dvTyped...), svTyped...)
				continue
			}
			dst[k] = sv
		default:
			dst[k] = sv
		}
	}
}

// UpdateByPrimaryIndex updates the single document (if any) indexed
// under name with value.
func (c *Collection[T]) UpdateByPrimaryIndex(ctx context.Context, name string, value keys.Part, patch map[string]any, opts UpdateOptions) (CommitResult, error) {
	doc, err := c.FindByPrimaryIndex(ctx, name, value)
	if err != nil {
		return CommitResult{}, err
	}
	if doc == nil {
		return CommitResult{OK: false}, nil
	}
	return c.Update(ctx, doc.ID, patch, opts)
}

// UpdateBySecondaryIndex updates every document matching the
// secondary-index lookup.
func (c *Collection[T]) UpdateBySecondaryIndex(ctx context.Context, name string, value keys.Part, secOpts SecondaryIndexOptions, patch map[string]any, opts UpdateOptions) ([]CommitResult, error) {
	res, err := c.FindBySecondaryIndex(ctx, name, value, secOpts)
	if err != nil {
		return nil, err
	}
	results := make([]CommitResult, len(res.Result))
	for i, d := range res.Result {
		r, err := c.Update(ctx, d.ID, patch, opts)
		if err != nil {
			return nil, err
		}
		results[i] = r
	}
	return results, nil
}

// UpdateMany updates every document matching opts.
func (c *Collection[T]) UpdateMany(ctx context.Context, opts QueryOptions[T], patch map[string]any, updateOpts UpdateOptions) ([]CommitResult, error) {
	res, err := c.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	results := make([]CommitResult, len(res.Result))
	for i, d := range res.Result {
		r, err := c.Update(ctx, d.ID, patch, updateOpts)
		if err != nil {
			return nil, err
		}
		results[i] = r
	}
	return results, nil
}
