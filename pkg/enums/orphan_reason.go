package enums

// OrphanReason records why an object key was handed to the orphan ledger.
type OrphanReason string

const (
	OrphanReasonUnrecordedUpload OrphanReason = "unrecorded_upload"
	OrphanReasonDisplacedPrev    OrphanReason = "displaced_previous_key"
	OrphanReasonCleanupFailed    OrphanReason = "cleanup_failed"
)

func (o OrphanReason) String() string {
	return string(o)
}
