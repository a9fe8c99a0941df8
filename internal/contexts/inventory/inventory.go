// Package inventory is the stock-keeping bounded context. Single-product
// commands are plain dual writes; reserving several products for an order
// is a DCB-scoped operation retried through the dcb engine.
package inventory

import (
	"fmt"
	"slices"
)

const (
	BoundedContext    = "inventory"
	ProductStream     = "Product"
	ReservationStream = "Reservation"

	// ReservationScope is the scope type; the scope id is the order id.
	ReservationScope = "reservation"
)

// Event types.
const (
	EventProductCreated      = "ProductCreated"
	EventStockAdded          = "StockAdded"
	EventStockReserved       = "StockReserved"
	EventStockReleased       = "StockReleased"
	EventReservationCreated  = "ReservationCreated"
	EventReservationFailed   = "ReservationFailed"
	EventReservationReleased = "ReservationReleased"
)

// Command types accepted on the bus.
const (
	CommandCreateProduct      = "CreateProduct"
	CommandAddStock           = "AddStock"
	CommandReserveStock       = "ReserveStock"
	CommandReleaseReservation = "ReleaseReservation"
)

// Rejection codes.
const (
	CodeProductExists        = "PRODUCT_ALREADY_EXISTS"
	CodeProductNotFound      = "PRODUCT_NOT_FOUND"
	CodeInsufficientStock    = "INSUFFICIENT_STOCK"
	CodeInvalidQuantity      = "INVALID_QUANTITY"
	CodeReservationNotActive = "RESERVATION_NOT_ACTIVE"
	CodeReservationNotFound  = "RESERVATION_NOT_FOUND"
	CodeInvalidEvent         = "INVALID_EVENT"
)

// Product is the current state of one product.
type Product struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
}

// Item is a quantity of one product.
type Item struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// ReservationStatus is the state of a reservation.
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "reserved"
	ReservationReleased ReservationStatus = "released"
)

// Reservation is the current state of one reservation.
type Reservation struct {
	ReservationID string            `json:"reservationId"`
	OrderID       string            `json:"orderId"`
	Items         []Item            `json:"items"`
	Status        ReservationStatus `json:"status"`
}

// normalizeItems merges repeated products and sorts by product id so
// reservation ids and lock order do not depend on input order.
func normalizeItems(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("at least one item is required")
	}
	byProduct := make(map[string]int, len(items))
	for _, it := range items {
		if it.ProductID == "" {
			return nil, fmt.Errorf("item without productId")
		}
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("product %s: quantity must be positive, got %d", it.ProductID, it.Quantity)
		}
		byProduct[it.ProductID] += it.Quantity
	}
	out := make([]Item, 0, len(byProduct))
	for id, qty := range byProduct {
		out = append(out, Item{ProductID: id, Quantity: qty})
	}
	slices.SortFunc(out, func(a, b Item) int {
		switch {
		case a.ProductID < b.ProductID:
			return -1
		case a.ProductID > b.ProductID:
			return 1
		}
		return 0
	})
	return out, nil
}

func productIDs(items []Item) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ProductID
	}
	return ids
}
