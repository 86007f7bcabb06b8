package domain

import "time"

type ReturnStatus string

const (
	ReturnStatusRequested ReturnStatus = "requested"
	ReturnStatusApproved  ReturnStatus = "approved"
	ReturnStatusRejected  ReturnStatus = "rejected"
	ReturnStatusCompleted ReturnStatus = "completed"
)

type Return struct {
	ID             string       `json:"id"`
	OrderID        string       `json:"order_id"`
	OrderItemID    string       `json:"order_item_id"`
	Status         ReturnStatus `json:"status"`
	Reason         string       `json:"reason"`
	EvidenceURL    string       `json:"evidence_url,omitempty"`
	ResolutionNote string       `json:"resolution_note,omitempty"`
	RequestedAt    time.Time    `json:"requested_at"`
	ApprovedAt     *time.Time   `json:"approved_at,omitempty"`
	RejectedAt     *time.Time   `json:"rejected_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}
