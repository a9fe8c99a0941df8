package orders

import "github.com/libar-dev/libar-platform/internal/schema"

// Schemas are the payload contracts of every order event.
var Schemas = []schema.Definition{
	{EventType: EventOrderCreated, Schema: `{
		"type": "object",
		"required": ["orderId", "customerId"],
		"properties": {
			"orderId": {"type": "string", "minLength": 1},
			"customerId": {"type": "string", "minLength": 1}
		}
	}`},
	{EventType: EventOrderItemAdded, Schema: `{
		"type": "object",
		"required": ["orderId", "productId", "quantity", "unitPriceCents"],
		"properties": {
			"orderId": {"type": "string", "minLength": 1},
			"productId": {"type": "string", "minLength": 1},
			"quantity": {"type": "integer", "minimum": 1},
			"unitPriceCents": {"type": "integer", "minimum": 0}
		}
	}`},
	{EventType: EventOrderSubmitted, Schema: `{
		"type": "object",
		"required": ["orderId", "customerId", "items", "totalCents"],
		"properties": {
			"orderId": {"type": "string", "minLength": 1},
			"customerId": {"type": "string"},
			"items": {"type": "array", "minItems": 1},
			"totalCents": {"type": "integer", "minimum": 0}
		}
	}`},
	{EventType: EventOrderConfirmed, Schema: `{
		"type": "object",
		"required": ["orderId", "reservationId"],
		"properties": {
			"orderId": {"type": "string", "minLength": 1},
			"reservationId": {"type": "string", "minLength": 1}
		}
	}`},
	{EventType: EventOrderCancelled, Schema: `{
		"type": "object",
		"required": ["orderId", "reason"],
		"properties": {
			"orderId": {"type": "string", "minLength": 1},
			"customerId": {"type": "string"},
			"reason": {"type": "string"},
			"reservationId": {"type": "string"}
		}
	}`},
}

// RegisterSchemas adds the order event types to reg.
func RegisterSchemas(reg *schema.Registry) error {
	for _, def := range Schemas {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}
