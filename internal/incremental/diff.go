package incremental

// ChangeType discriminates diff regions
type ChangeType string

const (
	ChangeInsert  ChangeType = "insert"
	ChangeDelete  ChangeType = "delete"
	ChangeReplace ChangeType = "replace"
)

// ChangeRegion is a contiguous run of changed lines. StartLine and EndLine
// are 0-based inclusive positions in the NEW document; for pure deletions
// the region marks the line where content was removed.
type ChangeRegion struct {
	Type      ChangeType `json:"type"`
	StartLine int        `json:"start_line"`
	EndLine   int        `json:"end_line"`
	// LinesAdded and LinesRemoved count the raw line deltas in the region.
	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
}

// Overlaps reports whether the region, expanded by margin lines on each
// side, intersects the inclusive line range [start, end].
func (r ChangeRegion) Overlaps(start, end, margin int) bool {
	lo := r.StartLine - margin
	hi := r.EndLine + margin
	return start <= hi && end >= lo
}

// ChangeDetector computes line-level diffs between two versions of a
// document using a longest-common-subsequence walk, merging adjacent
// changes into single regions.
type ChangeDetector struct{}

// NewChangeDetector creates a detector.
func NewChangeDetector() *ChangeDetector {
	return &ChangeDetector{}
}

// Diff returns the typed change regions turning oldLines into newLines.
// Identical inputs yield no regions.
func (d *ChangeDetector) Diff(oldLines, newLines []string) []ChangeRegion {
	// Trim the common prefix and suffix first; edits are usually local and
	// this keeps the LCS table small.
	prefix := 0
	for prefix < len(oldLines) && prefix < len(newLines) && oldLines[prefix] == newLines[prefix] {
		prefix++
	}
	oldRest, newRest := oldLines[prefix:], newLines[prefix:]
	suffix := 0
	for suffix < len(oldRest) && suffix < len(newRest) &&
		oldRest[len(oldRest)-1-suffix] == newRest[len(newRest)-1-suffix] {
		suffix++
	}
	oldMid := oldRest[:len(oldRest)-suffix]
	newMid := newRest[:len(newRest)-suffix]
	if len(oldMid) == 0 && len(newMid) == 0 {
		return nil
	}

	ops := lcsEdits(oldMid, newMid)
	return mergeEdits(ops, prefix)
}

// editOp is one per-line edit produced by the LCS backtrack.
type editOp struct {
	kind    ChangeType // insert or delete only; replace emerges from merging
	newLine int        // position in the new document (post-prefix offset applied later)
}

// lcsEdits computes per-line insert/delete operations via a standard LCS
// dynamic program over the trimmed middle sections.
func lcsEdits(oldMid, newMid []string) []editOp {
	n, m := len(oldMid), len(newMid)
	// table[i][j] = LCS length of oldMid[i:], newMid[j:]
	table := make([][]int, n+1)
	for i := range table {
		table[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if oldMid[i] == newMid[j] {
				table[i][j] = table[i+1][j+1] + 1
			} else if table[i+1][j] >= table[i][j+1] {
				table[i][j] = table[i+1][j]
			} else {
				table[i][j] = table[i][j+1]
			}
		}
	}

	var ops []editOp
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case oldMid[i] == newMid[j]:
			i++
			j++
		case table[i+1][j] >= table[i][j+1]:
			ops = append(ops, editOp{kind: ChangeDelete, newLine: j})
			i++
		default:
			ops = append(ops, editOp{kind: ChangeInsert, newLine: j})
			j++
		}
	}
	for ; i < n; i++ {
		ops = append(ops, editOp{kind: ChangeDelete, newLine: j})
	}
	for ; j < m; j++ {
		ops = append(ops, editOp{kind: ChangeInsert, newLine: j})
	}
	return ops
}

// mergeEdits folds adjacent per-line edits into regions, classifying runs
// containing both inserts and deletes as replacements.
func mergeEdits(ops []editOp, offset int) []ChangeRegion {
	if len(ops) == 0 {
		return nil
	}

	var regions []ChangeRegion
	flush := func(start, end, added, removed int) {
		region := ChangeRegion{
			StartLine:    start + offset,
			EndLine:      end + offset,
			LinesAdded:   added,
			LinesRemoved: removed,
		}
		switch {
		case added > 0 && removed > 0:
			region.Type = ChangeReplace
		case added > 0:
			region.Type = ChangeInsert
		default:
			region.Type = ChangeDelete
		}
		regions = append(regions, region)
	}

	start := ops[0].newLine
	end := ops[0].newLine
	added, removed := 0, 0
	count := func(op editOp) {
		if op.kind == ChangeInsert {
			added++
		} else {
			removed++
		}
	}
	count(ops[0])

	for _, op := range ops[1:] {
		if op.newLine <= end+1 {
			if op.newLine > end {
				end = op.newLine
			}
			count(op)
			continue
		}
		flush(start, end, added, removed)
		start, end = op.newLine, op.newLine
		added, removed = 0, 0
		count(op)
	}
	flush(start, end, added, removed)
	return regions
}
