package report

import "context"

// Codes attached to submission findings.
const (
	CodeDuplicateFile   = "DUPLICATE_FILE"
	CodeDuplicateItem   = "DUPLICATE_ITEM"
	CodeEmptySubmission = "EMPTY_SUBMISSION"
)

// HashOracle answers whether an item content hash was already recorded inside
// the dedup window. Backed by the item_lineage table in production.
type HashOracle interface {
	IsDuplicateItem(ctx context.Context, itemHash string) (bool, error)
}

// DedupResult classifies a submission's rows.
type DedupResult struct {
	// FileDuplicate is set when every row is a duplicate: the submission is a
	// resubmission of an identical file.
	FileDuplicate bool
	// DuplicateRows holds 1-based row numbers of duplicates; empty when
	// FileDuplicate is set.
	DuplicateRows []int
}

// DetectDuplicates classifies each row of the report as duplicate or unique.
// A row is duplicate if its hash was produced earlier in this same submission
// or if the oracle has seen it inside the lookback window. Row order follows
// the input.
func DetectDuplicates(ctx context.Context, r *Report, oracle HashOracle) (DedupResult, error) {
	seen := make(map[string]bool, r.ItemCount())
	var dupRows []int

	for i := 0; i < r.ItemCount(); i++ {
		hash := r.ItemHash(i)
		isDup := seen[hash]
		if !isDup {
			prior, err := oracle.IsDuplicateItem(ctx, hash)
			if err != nil {
				return DedupResult{}, err
			}
			isDup = prior
		}
		if isDup {
			dupRows = append(dupRows, i+1)
		} else {
			seen[hash] = true
		}
	}

	if r.ItemCount() > 0 && len(dupRows) == r.ItemCount() {
		return DedupResult{FileDuplicate: true}, nil
	}
	return DedupResult{DuplicateRows: dupRows}, nil
}

// LogDuplicates writes the dedup verdict into the action log. A fully
// duplicate file produces exactly one file-level error; otherwise each
// duplicate row gets one row-level error.
func LogDuplicates(result DedupResult, log *ActionLog) {
	if result.FileDuplicate {
		log.Error(CodeDuplicateFile, "all items in this submission are duplicates of previously submitted items")
		return
	}
	for _, row := range result.DuplicateRows {
		log.ItemError(row, CodeDuplicateItem, "item matches a previously submitted item")
	}
}

// WarnDuplicates records the same verdict as advisory warnings for senders
// that allow duplicate content. The submission proceeds unchanged.
func WarnDuplicates(result DedupResult, log *ActionLog) {
	if result.FileDuplicate {
		log.Warn(CodeDuplicateFile, "all items in this submission are duplicates of previously submitted items")
		return
	}
	for _, row := range result.DuplicateRows {
		log.ItemWarn(row, CodeDuplicateItem, "item matches a previously submitted item")
	}
}
