package detect

import "fmt"

// RetrainFailedError reports that the retrain-on-batch recovery itself
// failed; the run cannot proceed.
type RetrainFailedError struct {
	ModelType string
	Err       error
}

func (e *RetrainFailedError) Error() string {
	return fmt.Sprintf("retrain of %s failed: %v", e.ModelType, e.Err)
}

func (e *RetrainFailedError) Unwrap() error { return e.Err }

// PersistentFeatureMismatchError reports a feature width mismatch that
// survived a retrain on the offending batch. This is a contract violation,
// not a recoverable condition.
type PersistentFeatureMismatchError struct {
	ModelType string
	Got       int
	Want      int
}

func (e *PersistentFeatureMismatchError) Error() string {
	return fmt.Sprintf("feature mismatch persists after retraining %s: got %d features, model expects %d",
		e.ModelType, e.Got, e.Want)
}
