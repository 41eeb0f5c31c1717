package normalize

import "fmt"

// Error is a normalization failure: the payload cannot be turned into a
// canonical alert. The ingest stage routes the original envelope to the
// dead-letter topic without retrying; re-parsing the same bytes cannot
// succeed.
type Error struct {
	Source string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("normalize %s: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("normalize %s: %s", e.Source, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Kind is the error taxonomy name recorded on dead letters.
func (e *Error) Kind() string { return "NormalizationError" }
