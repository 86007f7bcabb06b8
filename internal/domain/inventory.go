package domain

type StockLevel struct {
	ProductID string `json:"product_id"`
	Size      string `json:"size"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
}

type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationReleased  ReservationState = "released"
	ReservationCommitted ReservationState = "committed"
)

// Reservation holds stock for one order item until it ships (commit) or is
// cancelled (release).
type Reservation struct {
	OrderItemID string           `json:"order_item_id"`
	ProductID   string           `json:"product_id"`
	Size        string           `json:"size"`
	Quantity    int              `json:"quantity"`
	State       ReservationState `json:"state,omitempty"`
}
