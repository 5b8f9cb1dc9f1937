package errors

// Sentinel errors for the detection review and aggregation pipeline.
// Callers match these with Is; the engines wrap them in EnhancedErrors
// carrying entity state so API responses can include it.
var (
	// ErrClassification indicates the external classifier failed; the
	// submission may be retried manually.
	ErrClassification = NewStd("classification failed")

	// ErrInvalidTransition indicates a review transition was attempted on a
	// detection result already in a terminal state.
	ErrInvalidTransition = NewStd("invalid review transition")

	// ErrAlreadyReviewed indicates a lost compare-and-swap race: another
	// reviewer applied a terminal transition first.
	ErrAlreadyReviewed = NewStd("detection result already reviewed")

	// ErrAlreadyAllocated indicates an allocation already exists for the
	// detection result.
	ErrAlreadyAllocated = NewStd("detection result already allocated")

	// ErrInvalidSite indicates the site registry does not know the site.
	ErrInvalidSite = NewStd("unknown site")

	// ErrAggregationConflict indicates counter update retries were exhausted.
	ErrAggregationConflict = NewStd("aggregation conflict")
)

// Code returns the stable machine-readable code for a pipeline error, or
// empty string if err is not one of the pipeline sentinels.
func Code(err error) string {
	switch {
	case Is(err, ErrClassification):
		return "classification_error"
	case Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case Is(err, ErrAlreadyReviewed):
		return "already_reviewed"
	case Is(err, ErrAlreadyAllocated):
		return "already_allocated"
	case Is(err, ErrInvalidSite):
		return "invalid_site"
	case Is(err, ErrAggregationConflict):
		return "aggregation_conflict"
	default:
		return ""
	}
}

// Retryable reports whether the caller may retry the failed operation.
// Classifier failures and exhausted aggregation retries are recoverable;
// validation failures are not.
func Retryable(err error) bool {
	return Is(err, ErrClassification) || Is(err, ErrAggregationConflict)
}
