package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"

	"restaurant-agent/internal/domain"
)

const (
	OrderStartMarker = "---ORDER_JSON_START---"
	OrderEndMarker   = "---ORDER_JSON_END---"

	orderTotalTolerance = 0.01
)

var (
	orderKeys = []string{"items", "total", "pickup_or_delivery", "customer_name", "address", "notes"}
	itemKeys  = []string{"item_id", "name", "qty", "price"}
	// Keys whose value may be JSON null, read as the empty string.
	nullableOrderKeys = map[string]bool{"address": true, "notes": true}
)

type orderPayload struct {
	Items        []itemPayload `json:"items"`
	Total        float64       `json:"total"`
	Fulfillment  string        `json:"pickup_or_delivery"`
	CustomerName string        `json:"customer_name"`
	Address      *string       `json:"address"`
	Notes        *string       `json:"notes"`
}

type itemPayload struct {
	ItemID string  `json:"item_id"`
	Name   string  `json:"name"`
	Qty    float64 `json:"qty"`
	Price  float64 `json:"price"`
}

// ExtractOrder pulls a structured order out of generated text.
//
// Text without any order marker yields (nil, text, nil). A marker block that
// is misplaced or fails validation yields (nil, text, err) with text
// unchanged. Only a fully valid order is returned, together with the text
// minus the marker block.
func ExtractOrder(text string) (*domain.Order, string, error) {
	if !strings.Contains(text, OrderStartMarker) && !strings.Contains(text, OrderEndMarker) {
		return nil, text, nil
	}

	lines := strings.Split(text, "\n")
	start, end := -1, -1
	for i, line := range lines {
		switch strings.TrimSpace(line) {
		case OrderStartMarker:
			if start != -1 {
				return nil, text, newError(ErrorExtraction, "duplicate_marker", errors.New(OrderStartMarker))
			}
			start = i
		case OrderEndMarker:
			if end != -1 {
				return nil, text, newError(ErrorExtraction, "duplicate_marker", errors.New(OrderEndMarker))
			}
			end = i
		default:
			if strings.Contains(line, OrderStartMarker) || strings.Contains(line, OrderEndMarker) {
				return nil, text, newError(ErrorExtraction, "misplaced_marker", fmt.Errorf("line %d", i+1))
			}
		}
	}
	if start == -1 || end == -1 {
		return nil, text, newError(ErrorExtraction, "unpaired_marker", nil)
	}
	if end < start {
		return nil, text, newError(ErrorExtraction, "unpaired_marker", errors.New("end marker precedes start marker"))
	}

	order, err := decodeOrder(strings.Join(lines[start+1:end], "\n"))
	if err != nil {
		return nil, text, err
	}

	rest := append(lines[:start:start], lines[end+1:]...)
	return order, strings.TrimSpace(strings.Join(rest, "\n")), nil
}

func decodeOrder(payload string) (*domain.Order, error) {
	raw, err := decodeObject([]byte(strings.TrimSpace(payload)))
	if err != nil {
		return nil, newError(ErrorExtraction, "invalid_json", err)
	}
	if err := checkKeys(raw, orderKeys, nullableOrderKeys); err != nil {
		return nil, err
	}
	var rawItems []json.RawMessage
	if err := json.Unmarshal(raw["items"], &rawItems); err != nil {
		return nil, newError(ErrorExtraction, "invalid_type", fmt.Errorf("items: %w", err))
	}
	for i, item := range rawItems {
		fields, err := decodeObject(item)
		if err != nil {
			return nil, newError(ErrorExtraction, "invalid_type", fmt.Errorf("items[%d]: %w", i, err))
		}
		if err := checkKeys(fields, itemKeys, nil); err != nil {
			return nil, err
		}
	}

	var p orderPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, newError(ErrorExtraction, "invalid_type", err)
	}
	if len(p.Items) == 0 {
		return nil, newError(ErrorExtraction, "empty_items", nil)
	}

	order := &domain.Order{
		Items:        make([]domain.LineItem, 0, len(p.Items)),
		Total:        p.Total,
		CustomerName: strings.TrimSpace(p.CustomerName),
	}
	var sum float64
	for i, it := range p.Items {
		if it.Qty < 1 || it.Qty != math.Trunc(it.Qty) || it.Qty > math.MaxInt32 {
			return nil, newError(ErrorExtraction, "invalid_quantity", fmt.Errorf("items[%d]: qty %v", i, it.Qty))
		}
		if it.Price < 0 {
			return nil, newError(ErrorExtraction, "invalid_price", fmt.Errorf("items[%d]: price %v", i, it.Price))
		}
		order.Items = append(order.Items, domain.LineItem{
			ItemID: it.ItemID,
			Name:   it.Name,
			Qty:    int(it.Qty),
			Price:  it.Price,
		})
		sum += it.Qty * it.Price
	}
	if order.CustomerName == "" {
		return nil, newError(ErrorExtraction, "missing_customer_name", nil)
	}

	switch domain.Fulfillment(p.Fulfillment) {
	case domain.FulfillmentPickup, domain.FulfillmentDelivery:
		order.Fulfillment = domain.Fulfillment(p.Fulfillment)
	default:
		return nil, newError(ErrorExtraction, "invalid_fulfillment", fmt.Errorf("pickup_or_delivery %q", p.Fulfillment))
	}
	if p.Address != nil {
		order.Address = strings.TrimSpace(*p.Address)
	}
	if p.Notes != nil {
		order.Notes = strings.TrimSpace(*p.Notes)
	}
	if order.Fulfillment == domain.FulfillmentDelivery && order.Address == "" {
		return nil, newError(ErrorExtraction, "missing_address", nil)
	}
	if order.Fulfillment == domain.FulfillmentPickup && order.Address != "" {
		return nil, newError(ErrorExtraction, "unexpected_address", fmt.Errorf("pickup order carries address %q", order.Address))
	}

	if math.Abs(order.Total-sum) > orderTotalTolerance+1e-9 {
		return nil, newError(ErrorExtraction, "total_mismatch", fmt.Errorf("total %.2f, items sum to %.2f", order.Total, sum))
	}
	return order, nil
}

// decodeObject decodes exactly one JSON object and nothing after it.
func decodeObject(b []byte) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("not an object")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("multiple JSON values")
		}
		return nil, fmt.Errorf("trailing data: %w", err)
	}
	return out, nil
}

// checkKeys requires the object to carry exactly the given keys, none of
// them null unless listed in nullable.
func checkKeys(obj map[string]json.RawMessage, keys []string, nullable map[string]bool) error {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok {
			return newError(ErrorExtraction, "missing_key", fmt.Errorf("key %q", k))
		}
		if string(bytes.TrimSpace(v)) == "null" && !nullable[k] {
			return newError(ErrorExtraction, "invalid_type", fmt.Errorf("key %q is null", k))
		}
	}
	if len(obj) != len(keys) {
		for k := range obj {
			if !slices.Contains(keys, k) {
				return newError(ErrorExtraction, "unknown_key", fmt.Errorf("key %q", k))
			}
		}
	}
	return nil
}
