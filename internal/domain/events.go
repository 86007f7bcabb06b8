package domain

import "time"

const (
	TopicOrderCreated  = "order.created"
	TopicItemStatus    = "order.item_status"
	TopicNotifications = "order.notifications"
	EventTypeHeader    = "event_type"
	EventOrderCreated  = "order_created"
	EventItemStatus    = "item_status_changed"
	EventNotification  = "notification"
)

type OrderCreatedEvent struct {
	OrderID       string        `json:"order_id"`
	ContactEmail  string        `json:"contact_email"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	TotalAmount   int64         `json:"total_amount"`
	Items         []OrderItem   `json:"items"`
	Timestamp     time.Time     `json:"timestamp"`
}

type ItemStatusChangedEvent struct {
	OrderID      string     `json:"order_id"`
	OrderItemID  string     `json:"order_item_id"`
	ProductID    string     `json:"product_id"`
	Size         string     `json:"size"`
	Quantity     int        `json:"quantity"`
	From         ItemStatus `json:"from"`
	To           ItemStatus `json:"to"`
	Action       string     `json:"action"`
	Actor        string     `json:"actor"`
	Reason       string     `json:"reason,omitempty"`
	TrackingURL  string     `json:"tracking_url,omitempty"`
	ContactEmail string     `json:"contact_email,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

type NotificationKind string

const (
	NotificationItemShipped   NotificationKind = "itemShipped"
	NotificationItemDelivered NotificationKind = "itemDelivered"
	NotificationItemCancelled NotificationKind = "itemCancelled"
	NotificationItemRefunded  NotificationKind = "itemRefunded"
	NotificationSuccess       NotificationKind = "success"
	NotificationError         NotificationKind = "error"
)

// Notification is a human-readable outcome surfaced to the operator.
type Notification struct {
	Kind    NotificationKind `json:"kind"`
	Subject string           `json:"subject"`
	Detail  string           `json:"detail,omitempty"`
}

func (OrderCreatedEvent) EventType() string      { return EventOrderCreated }
func (ItemStatusChangedEvent) EventType() string { return EventItemStatus }
func (Notification) EventType() string           { return EventNotification }
