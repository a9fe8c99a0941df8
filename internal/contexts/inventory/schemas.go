package inventory

import "github.com/libar-dev/libar-platform/internal/schema"

const itemsSchema = `{
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"required": ["productId", "quantity"],
		"properties": {
			"productId": {"type": "string", "minLength": 1},
			"quantity": {"type": "integer", "minimum": 1}
		}
	}
}`

// Schemas are the payload contracts of every inventory event.
var Schemas = []schema.Definition{
	{EventType: EventProductCreated, Schema: `{
		"type": "object",
		"required": ["productId", "name", "initialStock"],
		"properties": {
			"productId": {"type": "string", "minLength": 1},
			"name": {"type": "string"},
			"initialStock": {"type": "integer", "minimum": 0}
		}
	}`},
	{EventType: EventStockAdded, Schema: `{
		"type": "object",
		"required": ["productId", "quantity", "available"],
		"properties": {
			"productId": {"type": "string", "minLength": 1},
			"quantity": {"type": "integer", "minimum": 1},
			"available": {"type": "integer", "minimum": 0}
		}
	}`},
	{EventType: EventStockReserved, Schema: movementSchema},
	{EventType: EventStockReleased, Schema: movementSchema},
	{EventType: EventReservationCreated, Schema: `{
		"type": "object",
		"required": ["reservationId", "orderId", "items"],
		"properties": {
			"reservationId": {"type": "string", "minLength": 1},
			"orderId": {"type": "string", "minLength": 1},
			"items": ` + itemsSchema + `
		}
	}`},
	{EventType: EventReservationFailed, Schema: `{
		"type": "object",
		"required": ["reservationId", "orderId", "code"],
		"properties": {
			"reservationId": {"type": "string", "minLength": 1},
			"orderId": {"type": "string", "minLength": 1},
			"code": {"type": "string", "minLength": 1},
			"reason": {"type": "string"}
		}
	}`},
	{EventType: EventReservationReleased, Schema: `{
		"type": "object",
		"required": ["reservationId", "orderId"],
		"properties": {
			"reservationId": {"type": "string", "minLength": 1},
			"orderId": {"type": "string", "minLength": 1}
		}
	}`},
}

const movementSchema = `{
	"type": "object",
	"required": ["productId", "reservationId", "orderId", "quantity"],
	"properties": {
		"productId": {"type": "string", "minLength": 1},
		"reservationId": {"type": "string", "minLength": 1},
		"orderId": {"type": "string", "minLength": 1},
		"quantity": {"type": "integer", "minimum": 1}
	}
}`

// RegisterSchemas adds the inventory event types to reg.
func RegisterSchemas(reg *schema.Registry) error {
	for _, def := range Schemas {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}
