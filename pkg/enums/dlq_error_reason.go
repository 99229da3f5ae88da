package enums

// DLQErrorReason explains why a media job reached the dead-letter table.
type DLQErrorReason string

const (
	DLQReasonMaxAttempts  DLQErrorReason = "max_attempts"
	DLQReasonNonRetryable DLQErrorReason = "non_retryable"
	DLQReasonStalled      DLQErrorReason = "stalled"
)

var validDLQErrorReasons = []DLQErrorReason{
	DLQReasonMaxAttempts,
	DLQReasonNonRetryable,
	DLQReasonStalled,
}

func (r DLQErrorReason) IsValid() bool {
	for _, candidate := range validDLQErrorReasons {
		if candidate == r {
			return true
		}
	}
	return false
}
