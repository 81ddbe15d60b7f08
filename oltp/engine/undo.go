package engine

// undoRecord is the pre-image of one write, keyed by the undo token it was
// made under.
type undoRecord struct {
	token   uint64
	table   string
	key     int64
	oldRow  Row
	existed bool
}

// undoLog is an in-memory write-ahead of pre-images. Tokens are minted
// monotonically by the partition executor, so the log is sorted by token.
type undoLog struct {
	records []undoRecord
}

func (l *undoLog) append(rec undoRecord) {
	l.records = append(l.records, rec)
}

// hasWrites reports whether any record at or above token is still pending.
func (l *undoLog) hasWrites(token uint64) bool {
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].token >= token {
			return true
		}
	}
	return false
}

// release drops every record with a token at or below token. Committing a
// transaction releases its own token and, because commits happen in order,
// everything before it.
func (l *undoLog) release(token uint64) {
	kept := l.records[:0]
	for _, rec := range l.records {
		if rec.token > token {
			kept = append(kept, rec)
		}
	}
	l.records = kept
}

// undo pops every record with a token at or above token, newest first, and
// feeds each to apply. Rolling back a later token before an earlier one is
// the expected LIFO order; the earlier rollback then only sees its own
// records.
func (l *undoLog) undo(token uint64, apply func(rec undoRecord) error) error {
	i := len(l.records)
	for i > 0 && l.records[i-1].token >= token {
		i--
	}
	for j := len(l.records) - 1; j >= i; j-- {
		if err := apply(l.records[j]); err != nil {
			return err
		}
	}
	l.records = l.records[:i]
	return nil
}
