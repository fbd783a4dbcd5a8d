package govapi

import "encoding/json"

// BatchStatus is the outcome the gov API reports for a batch or a single student.
type BatchStatus string

const (
	BatchAccepted BatchStatus = "ACCEPTED"
	BatchRejected BatchStatus = "REJECTED"
)

// Valid reports whether s is one of the declared statuses.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchAccepted, BatchRejected:
		return true
	}
	return false
}

// StudentPayload is one student's submission. Payload is passed through opaquely.
type StudentPayload struct {
	StudentID string          `json:"studentId"`
	Payload   json.RawMessage `json:"payload"`
}

// BatchRequest is the body of POST {baseUrl}/batch.
type BatchRequest struct {
	TenantID string           `json:"tenantId"`
	PeriodID string           `json:"periodId"`
	Students []StudentPayload `json:"students"`
}

// BatchResultItem is the per-student outcome inside a BatchResult.
type BatchResultItem struct {
	StudentID        string      `json:"studentId"`
	Status           BatchStatus `json:"status"`
	ExternalRecordID *string     `json:"externalRecordId"`
	ErrorCode        *string     `json:"errorCode"`
	ErrorMessage     *string     `json:"errorMessage"`
}

// BatchResult is the gov API response to a batch submission.
type BatchResult struct {
	BatchID  string            `json:"batchId"`
	TenantID string            `json:"tenantId"`
	PeriodID string            `json:"periodId"`
	Status   BatchStatus       `json:"status"`
	Results  []BatchResultItem `json:"results"`
}

// Item returns the result for studentID, if the gov API reported one.
func (r *BatchResult) Item(studentID string) (BatchResultItem, bool) {
	for _, it := range r.Results {
		if it.StudentID == studentID {
			return it, true
		}
	}
	return BatchResultItem{}, false
}
