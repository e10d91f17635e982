package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so the writer and the query API can translate them into coded
// domain errors.
//
//   - ErrNotFound: the record does not exist (or was already swept)
//   - ErrConflict: a uniqueness constraint rejected the row
//   - ErrAlreadyCompleted: a request log row was already finalized
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrAlreadyCompleted = errors.New("already completed")
)
