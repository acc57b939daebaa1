// internal/adapter/storage/errors.go

package storage

import "fmt"

// FanOutError reports partition batches that failed during InsertFanOut.
// Records written by the other batches remain committed.
type FanOutError struct {
	Total  int
	Failed int

	// FirstStatus is the status of the first failed batch, or 0 when it
	// failed without a response
	FirstStatus int

	// Err is the transport error of the first failed batch, if any
	Err error
}

func (e *FanOutError) Error() string {
	msg := fmt.Sprintf("%d out of %d partition batches failed, first failure status %d", e.Failed, e.Total, e.FirstStatus)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FanOutError) Unwrap() error {
	return e.Err
}
