package domain

import "time"

// Fulfillment is how an order reaches the customer.
type Fulfillment string

const (
	FulfillmentPickup   Fulfillment = "pickup"
	FulfillmentDelivery Fulfillment = "delivery"
)

const OrderStatusConfirmed = "confirmed"

// LineItem is one row of an order.
type LineItem struct {
	ItemID string  `json:"item_id"`
	Name   string  `json:"name"`
	Qty    int     `json:"qty"`
	Price  float64 `json:"price"`
}

// Order is a fully validated order parsed from a completion. There is no
// partially populated Order: extraction either yields all fields or nothing.
type Order struct {
	Items        []LineItem  `json:"items"`
	Total        float64     `json:"total"`
	Fulfillment  Fulfillment `json:"pickup_or_delivery"`
	CustomerName string      `json:"customer_name"`
	Address      string      `json:"address"`
	Notes        string      `json:"notes"`
}

// PlacedOrder is an Order accepted by the engine for a session.
type PlacedOrder struct {
	OrderID       string    `json:"orderId"`
	RestaurantKey string    `json:"restaurantKey"`
	SessionID     string    `json:"sessionId"`
	Status        string    `json:"status"`
	PlacedAt      time.Time `json:"placedAt"`
	Order         Order     `json:"order"`
}
