package inventory

// Event payloads.

type ProductCreated struct {
	ProductID    string `json:"productId"`
	Name         string `json:"name"`
	InitialStock int    `json:"initialStock"`
}

type StockAdded struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Available int    `json:"available"`
}

// StockMovement is the payload of StockReserved and StockReleased.
type StockMovement struct {
	ProductID     string `json:"productId"`
	ReservationID string `json:"reservationId"`
	OrderID       string `json:"orderId"`
	Quantity      int    `json:"quantity"`
}

type ReservationCreated struct {
	ReservationID string `json:"reservationId"`
	OrderID       string `json:"orderId"`
	Items         []Item `json:"items"`
}

type ReservationFailed struct {
	ReservationID string `json:"reservationId"`
	OrderID       string `json:"orderId"`
	Code          string `json:"code"`
	Reason        string `json:"reason,omitempty"`
}

type ReservationReleasedEvent struct {
	ReservationID string `json:"reservationId"`
	OrderID       string `json:"orderId"`
}
