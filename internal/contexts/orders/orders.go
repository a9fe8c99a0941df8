// Package orders is the order-taking bounded context. Every command is a
// dual write on one Order stream. Fulfilment is a process manager that
// turns order and reservation events into commands for inventory and back.
package orders

const (
	BoundedContext = "orders"
	OrderStream    = "Order"
)

// Event types.
const (
	EventOrderCreated   = "OrderCreated"
	EventOrderItemAdded = "OrderItemAdded"
	EventOrderSubmitted = "OrderSubmitted"
	EventOrderConfirmed = "OrderConfirmed"
	EventOrderCancelled = "OrderCancelled"
)

// Command types accepted on the bus.
const (
	CommandCreateOrder  = "CreateOrder"
	CommandAddOrderItem = "AddOrderItem"
	CommandSubmitOrder  = "SubmitOrder"
	CommandConfirmOrder = "ConfirmOrder"
	CommandCancelOrder  = "CancelOrder"
)

// Rejection codes.
const (
	CodeOrderExists     = "ORDER_ALREADY_EXISTS"
	CodeOrderNotFound   = "ORDER_NOT_FOUND"
	CodeInvalidStatus   = "INVALID_ORDER_STATUS"
	CodeEmptyOrder      = "EMPTY_ORDER"
	CodeInvalidQuantity = "INVALID_QUANTITY"
	CodeInvalidEvent    = "INVALID_EVENT"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Item is one order line.
type Item struct {
	ProductID      string `json:"productId"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unitPriceCents"`
}

// Order is the current state of one order.
type Order struct {
	OrderID       string `json:"orderId"`
	CustomerID    string `json:"customerId"`
	Status        Status `json:"status"`
	Items         []Item `json:"items"`
	TotalCents    int64  `json:"totalCents"`
	ReservationID string `json:"reservationId,omitempty"`
	CancelReason  string `json:"cancelReason,omitempty"`
}

func (o Order) total() int64 {
	var t int64
	for _, it := range o.Items {
		t += int64(it.Quantity) * it.UnitPriceCents
	}
	return t
}

// Event payloads.

type OrderCreated struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
}

type OrderItemAdded struct {
	OrderID string `json:"orderId"`
	Item
}

type OrderSubmitted struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
	Items      []Item `json:"items"`
	TotalCents int64  `json:"totalCents"`
}

type OrderConfirmed struct {
	OrderID       string `json:"orderId"`
	ReservationID string `json:"reservationId"`
}

type OrderCancelled struct {
	OrderID       string `json:"orderId"`
	CustomerID    string `json:"customerId"`
	Reason        string `json:"reason"`
	ReservationID string `json:"reservationId,omitempty"`
}
