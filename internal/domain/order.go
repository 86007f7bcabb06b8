package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending            OrderStatus = "pending"
	OrderStatusPartiallyShipped   OrderStatus = "partially_shipped"
	OrderStatusPartiallyDelivered OrderStatus = "partially_delivered"
	OrderStatusPartiallyCancelled OrderStatus = "partially_cancelled"
	OrderStatusShipped            OrderStatus = "shipped"
	OrderStatusDelivered          OrderStatus = "delivered"
	OrderStatusCancelled          OrderStatus = "cancelled"
)

type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusShipped   ItemStatus = "shipped"
	ItemStatusDelivered ItemStatus = "delivered"
	ItemStatusCancelled ItemStatus = "cancelled"
	ItemStatusReturned  ItemStatus = "returned"
	ItemStatusRefunded  ItemStatus = "refunded"
)

// Terminal reports whether no further status-changing action is allowed.
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusCancelled || s == ItemStatusRefunded
}

type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusRefunded          PaymentStatus = "refunded"
)

type PaymentMethod string

const (
	PaymentMethodCOD    PaymentMethod = "cod"
	PaymentMethodOnline PaymentMethod = "online"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCOD || m == PaymentMethodOnline
}

type ShippingAddress struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type OrderItem struct {
	ID                string     `json:"id"`
	OrderID           string     `json:"order_id"`
	ProductID         string     `json:"product_id"`
	Size              string     `json:"size"`
	Quantity          int        `json:"quantity"`
	PriceAtPurchase   int64      `json:"price_at_purchase"`
	Status            ItemStatus `json:"item_status"`
	CancelReason      string     `json:"cancel_reason,omitempty"`
	ReturnReason      string     `json:"return_reason,omitempty"`
	ReturnEvidenceURL string     `json:"return_evidence_url,omitempty"`
	RefundAmount      *int64     `json:"refund_amount,omitempty"`
	ShippingPartner   string     `json:"shipping_partner,omitempty"`
	TrackingID        string     `json:"tracking_id,omitempty"`
	TrackingURL       string     `json:"tracking_url,omitempty"`
	ShippedAt         *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
	RefundedAt        *time.Time `json:"refunded_at,omitempty"`
	ReturnRequestedAt *time.Time `json:"return_requested_at,omitempty"`
	ReturnApprovedAt  *time.Time `json:"return_approved_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// LineTotal is the amount charged for the item at checkout.
func (i OrderItem) LineTotal() int64 {
	return int64(i.Quantity) * i.PriceAtPurchase
}

type Order struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"user_id,omitempty"`
	GuestSessionID     string          `json:"guest_session_id,omitempty"`
	ContactName        string          `json:"contact_name,omitempty"`
	ContactEmail       string          `json:"contact_email"`
	ContactPhone       string          `json:"contact_phone,omitempty"`
	ShippingAddress    ShippingAddress `json:"shipping_address"`
	Status             OrderStatus     `json:"status"`
	PaymentMethod      PaymentMethod   `json:"payment_method"`
	PaymentStatus      PaymentStatus   `json:"payment_status"`
	PaymentReference   string          `json:"payment_reference,omitempty"`
	Currency           string          `json:"currency"`
	Subtotal           int64           `json:"subtotal"`
	Discount           int64           `json:"discount"`
	DeliveryCharge     int64           `json:"delivery_charge"`
	CODFee             int64           `json:"cod_fee"`
	TotalAmount        int64           `json:"total_amount"`
	Items              []OrderItem     `json:"items"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	ShippedAt          *time.Time      `json:"shipped_at,omitempty"`
	DeliveredAt        *time.Time      `json:"delivered_at,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	AggregatesSyncedAt *time.Time      `json:"aggregates_synced_at,omitempty"`

	// ItemRevision counts item writes; AggregatesRevision is the count the
	// persisted aggregates were derived from.
	ItemRevision         int64      `json:"-"`
	AggregatesRevision   int64      `json:"-"`
	ReconcileAttemptedAt *time.Time `json:"-"`
}

// IsGuest reports whether the order was placed without a registered account.
func (o Order) IsGuest() bool {
	return o.UserID == "" && o.GuestSessionID != ""
}
