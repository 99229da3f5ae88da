package types

type SuccessEnvelope struct {
	Data any `json:"data"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// MediaAccepted is the body of a 202 returned for an accepted media submission.
type MediaAccepted struct {
	OK          bool   `json:"ok"`
	ClientJobID string `json:"client_job_id"`
	QueueJobID  string `json:"queue_job_id"`
	Duplicate   bool   `json:"duplicate"`
}
