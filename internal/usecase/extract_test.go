package usecase

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"restaurant-agent/internal/domain"
)

const validPickupJSON = `{"items":[{"item_id":"p1","name":"Pepperoni Pizza","qty":2,"price":14.99},{"item_id":"d1","name":"Soda","qty":1,"price":2.5}],"total":32.48,"pickup_or_delivery":"pickup","customer_name":"Sam","address":"","notes":"extra napkins"}`

func wrapOrder(before, payload, after string) string {
	return before + "\n" + OrderStartMarker + "\n" + payload + "\n" + OrderEndMarker + "\n" + after
}

func requireExtractionReason(t *testing.T, err error, reason string) {
	t.Helper()
	require.Error(t, err)
	var e *Error
	require.True(t, errors.As(err, &e), "expected *Error, got %T", err)
	require.Equal(t, ErrorExtraction, e.Code)
	require.Equal(t, reason, e.Reason)
}

func TestExtractOrder_NoMarkersReturnsTextExactly(t *testing.T) {
	text := "  Which size would you like?\n"
	order, rest, err := ExtractOrder(text)
	require.NoError(t, err)
	require.Nil(t, order)
	require.Equal(t, text, rest)
}

func TestExtractOrder_ValidPickup(t *testing.T) {
	text := wrapOrder("Your order is confirmed!", validPickupJSON, "See you soon.")
	order, rest, err := ExtractOrder(text)
	require.NoError(t, err)
	require.Equal(t, "Your order is confirmed!\nSee you soon.", rest)
	require.Equal(t, &domain.Order{
		Items: []domain.LineItem{
			{ItemID: "p1", Name: "Pepperoni Pizza", Qty: 2, Price: 14.99},
			{ItemID: "d1", Name: "Soda", Qty: 1, Price: 2.5},
		},
		Total:        32.48,
		Fulfillment:  domain.FulfillmentPickup,
		CustomerName: "Sam",
		Notes:        "extra napkins",
	}, order)
}

func TestExtractOrder_MarkersWithSurroundingWhitespace(t *testing.T) {
	text := "Done.\n  " + OrderStartMarker + "  \n" + validPickupJSON + "\n\t" + OrderEndMarker
	order, rest, err := ExtractOrder(text)
	require.NoError(t, err)
	require.NotNil(t, order)
	require.Equal(t, "Done.", rest)
}

func TestExtractOrder_MultiLinePayload(t *testing.T) {
	payload := `{
  "items": [{"item_id": "p1", "name": "Pepperoni Pizza", "qty": 1, "price": 14.99}],
  "total": 14.99,
  "pickup_or_delivery": "delivery",
  "customer_name": "Ana",
  "address": "12 Main St",
  "notes": null
}`
	order, rest, err := ExtractOrder(wrapOrder("Thanks!", payload, ""))
	require.NoError(t, err)
	require.Equal(t, "Thanks!", rest)
	require.Equal(t, domain.FulfillmentDelivery, order.Fulfillment)
	require.Equal(t, "12 Main St", order.Address)
	require.Empty(t, order.Notes)
}

func TestExtractOrder_OnlyBlockYieldsEmptyText(t *testing.T) {
	order, rest, err := ExtractOrder(OrderStartMarker + "\n" + validPickupJSON + "\n" + OrderEndMarker)
	require.NoError(t, err)
	require.NotNil(t, order)
	require.Empty(t, rest)
}

func TestExtractOrder_Failures(t *testing.T) {
	replace := func(old, new string) string {
		return strings.Replace(validPickupJSON, old, new, 1)
	}

	tests := []struct {
		name   string
		text   string
		reason string
	}{
		{
			name:   "delivery without address",
			text:   wrapOrder("ok", replace(`"pickup_or_delivery":"pickup"`, `"pickup_or_delivery":"delivery"`), ""),
			reason: "missing_address",
		},
		{
			name:   "delivery with blank address",
			text:   wrapOrder("ok", replace(`"pickup_or_delivery":"pickup","customer_name":"Sam","address":""`, `"pickup_or_delivery":"delivery","customer_name":"Sam","address":"   "`), ""),
			reason: "missing_address",
		},
		{
			name:   "pickup with address",
			text:   wrapOrder("ok", replace(`"address":""`, `"address":"12 Main St"`), ""),
			reason: "unexpected_address",
		},
		{
			name:   "marker inline with text",
			text:   "Here you go " + OrderStartMarker + "\n" + validPickupJSON + "\n" + OrderEndMarker,
			reason: "misplaced_marker",
		},
		{
			name:   "start marker only",
			text:   "ok\n" + OrderStartMarker + "\n" + validPickupJSON,
			reason: "unpaired_marker",
		},
		{
			name:   "end before start",
			text:   OrderEndMarker + "\n" + validPickupJSON + "\n" + OrderStartMarker,
			reason: "unpaired_marker",
		},
		{
			name:   "two blocks",
			text:   wrapOrder("a", validPickupJSON, wrapOrder("b", validPickupJSON, "")),
			reason: "duplicate_marker",
		},
		{
			name:   "not json",
			text:   wrapOrder("ok", "items: pizza", ""),
			reason: "invalid_json",
		},
		{
			name:   "json array",
			text:   wrapOrder("ok", "[1,2]", ""),
			reason: "invalid_json",
		},
		{
			name:   "two objects",
			text:   wrapOrder("ok", validPickupJSON+validPickupJSON, ""),
			reason: "invalid_json",
		},
		{
			name:   "missing notes",
			text:   wrapOrder("ok", replace(`,"notes":"extra napkins"`, ""), ""),
			reason: "missing_key",
		},
		{
			name:   "extra key",
			text:   wrapOrder("ok", replace(`"notes":"extra napkins"`, `"notes":"","coupon":"FREE"`), ""),
			reason: "unknown_key",
		},
		{
			name:   "extra item key",
			text:   wrapOrder("ok", replace(`"price":2.5}`, `"price":2.5,"size":"large"}`), ""),
			reason: "unknown_key",
		},
		{
			name:   "missing item key",
			text:   wrapOrder("ok", replace(`"name":"Soda",`, ""), ""),
			reason: "missing_key",
		},
		{
			name:   "qty as text",
			text:   wrapOrder("ok", replace(`"qty":2`, `"qty":"2"`), ""),
			reason: "invalid_type",
		},
		{
			name:   "price as text",
			text:   wrapOrder("ok", replace(`"price":14.99`, `"price":"14.99"`), ""),
			reason: "invalid_type",
		},
		{
			name:   "null customer name",
			text:   wrapOrder("ok", replace(`"customer_name":"Sam"`, `"customer_name":null`), ""),
			reason: "invalid_type",
		},
		{
			name:   "items not a list",
			text:   wrapOrder("ok", `{"items":"pizza","total":0,"pickup_or_delivery":"pickup","customer_name":"Sam","address":"","notes":""}`, ""),
			reason: "invalid_type",
		},
		{
			name:   "empty items",
			text:   wrapOrder("ok", `{"items":[],"total":0,"pickup_or_delivery":"pickup","customer_name":"Sam","address":"","notes":""}`, ""),
			reason: "empty_items",
		},
		{
			name:   "zero quantity",
			text:   wrapOrder("ok", replace(`"qty":1`, `"qty":0`), ""),
			reason: "invalid_quantity",
		},
		{
			name:   "fractional quantity",
			text:   wrapOrder("ok", replace(`"qty":1`, `"qty":1.5`), ""),
			reason: "invalid_quantity",
		},
		{
			name:   "negative price",
			text:   wrapOrder("ok", replace(`"price":2.5`, `"price":-2.5`), ""),
			reason: "invalid_price",
		},
		{
			name:   "blank customer name",
			text:   wrapOrder("ok", replace(`"customer_name":"Sam"`, `"customer_name":"  "`), ""),
			reason: "missing_customer_name",
		},
		{
			name:   "fulfillment not exact",
			text:   wrapOrder("ok", replace(`"pickup"`, `"Pickup"`), ""),
			reason: "invalid_fulfillment",
		},
		{
			name:   "total off by more than a cent",
			text:   wrapOrder("ok", replace(`"total":32.48`, `"total":32.50`), ""),
			reason: "total_mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, rest, err := ExtractOrder(tt.text)
			requireExtractionReason(t, err, tt.reason)
			require.Nil(t, order)
			require.Equal(t, tt.text, rest, "text must be returned unchanged")
		})
	}
}

func TestExtractOrder_TotalWithinTolerance(t *testing.T) {
	payload := strings.Replace(validPickupJSON, `"total":32.48`, `"total":32.49`, 1)
	order, _, err := ExtractOrder(wrapOrder("ok", payload, ""))
	require.NoError(t, err)
	require.Equal(t, 32.49, order.Total)
}
