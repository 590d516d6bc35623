package domain

import (
	"errors"
	"strings"
)

// ErrRestaurantNotFound is returned by catalogs for unknown restaurant keys.
var ErrRestaurantNotFound = errors.New("restaurant not found")

const DefaultTimezone = "America/Chicago"

// RestaurantProfile is the static description of one restaurant.
type RestaurantProfile struct {
	Key         string         `json:"key"`
	DisplayName string         `json:"displayName"`
	Timezone    string         `json:"timezone,omitempty"`
	Policies    map[string]any `json:"policies,omitempty"`
	Deals       []string       `json:"deals,omitempty"`
	Locations   []Location     `json:"locations,omitempty"`
}

// Name returns the display name, falling back to a title-cased key.
func (p RestaurantProfile) Name() string {
	if strings.TrimSpace(p.DisplayName) != "" {
		return p.DisplayName
	}
	return FormatKey(p.Key)
}

// RestaurantSummary is the listing shape of a restaurant.
type RestaurantSummary struct {
	Key         string `json:"key"`
	DisplayName string `json:"displayName"`
}

// MenuItem is one orderable item. Only available items reach the context.
type MenuItem struct {
	ItemID      string  `json:"itemId"`
	Name        string  `json:"name"`
	Category    string  `json:"category"`
	Price       float64 `json:"price"`
	Description string  `json:"description,omitempty"`
	Available   bool    `json:"available"`
}

// Location is a physical branch of a restaurant.
type Location struct {
	Name      string  `json:"name"`
	Address   string  `json:"address"`
	Phone     string  `json:"phone"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// FormatKey turns a storage key such as "bacci_pizza" into "Bacci Pizza".
func FormatKey(key string) string {
	words := strings.Fields(strings.ReplaceAll(key, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
