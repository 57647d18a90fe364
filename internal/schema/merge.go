package schema

import "sort"

// MergeBlocks reconciles a local, not-yet-persisted block collection with a
// freshly observed external collection.
//
// The result is the union by ID. When both sides define the same ID, the
// side with the greater LastModified wins; ties resolve in favor of the
// local side (optimistic local authority). When only one side defines an
// ID it is kept unconditionally, so deletions do not propagate through
// merge: a block removed locally but still present externally reappears.
// Avoiding that would require tombstones, which this engine deliberately
// does not keep.
//
// The returned slice is ordered by ID.
func MergeBlocks(local, external []Block) []Block {
	merged := make(map[int64]Block, len(local)+len(external))
	for _, b := range external {
		merged[b.ID] = b
	}
	for _, b := range local {
		ext, ok := merged[b.ID]
		if !ok || !b.ModifiedAt().Before(ext.ModifiedAt()) {
			merged[b.ID] = b
		}
	}
	return sortedBlocks(merged)
}

// MergeStandardBlocks unions the two collections by ID. On collision the
// local side unconditionally wins: standard blocks carry no timestamp to
// arbitrate with.
//
// The returned slice is ordered by ID.
func MergeStandardBlocks(local, external []StandardBlock) []StandardBlock {
	merged := make(map[int64]StandardBlock, len(local)+len(external))
	for _, b := range external {
		merged[b.ID] = b
	}
	for _, b := range local {
		merged[b.ID] = b
	}

	out := make([]StandardBlock, 0, len(merged))
	for _, b := range merged {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MergeDocuments merges both collections of external into local and returns
// a new document. The document-level LastModified is the later of the two;
// callers writing the result stamp their own timestamp afterwards.
func MergeDocuments(local, external *StorageDocument) *StorageDocument {
	out := &StorageDocument{
		Version:        local.Version,
		LastModified:   local.LastModified,
		Blocks:         MergeBlocks(local.Blocks, external.Blocks),
		StandardBlocks: MergeStandardBlocks(local.StandardBlocks, external.StandardBlocks),
	}
	if out.Version == "" {
		out.Version = external.Version
	}
	if external.LastModified.After(out.LastModified) {
		out.LastModified = external.LastModified
	}
	return out
}

func sortedBlocks(m map[int64]Block) []Block {
	out := make([]Block, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
