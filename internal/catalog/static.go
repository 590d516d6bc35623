package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"restaurant-agent/internal/domain"
)

// Restaurant is one restaurant's full record as stored in a data file and
// as written to Postgres by Seed.
type Restaurant struct {
	Profile domain.RestaurantProfile
	Menu    []domain.MenuItem
}

// restaurantFile is the on-disk shape of <dir>/<key>.json.
type restaurantFile struct {
	Name      string            `json:"name"`
	Timezone  string            `json:"timezone"`
	Policies  map[string]any    `json:"policies"`
	Deals     []string          `json:"deals"`
	Locations []domain.Location `json:"locations"`
	Menu      []menuItemFile    `json:"menu"`
}

type menuItemFile struct {
	ItemID      string  `json:"item_id"`
	Name        string  `json:"name"`
	Category    string  `json:"category"`
	Price       float64 `json:"price"`
	Description string  `json:"description"`
	// Available defaults to true when omitted.
	Available *bool `json:"availability"`
}

// Static is an immutable in-process catalog, used for local runs and as the
// source for seeding Postgres.
type Static struct {
	restaurants map[string]Restaurant
}

func NewStatic(restaurants ...Restaurant) *Static {
	s := &Static{restaurants: make(map[string]Restaurant, len(restaurants))}
	for _, r := range restaurants {
		s.restaurants[r.Profile.Key] = r
	}
	return s
}

// LoadDir reads every *.json file in dir as one restaurant keyed by the file
// name without extension.
func LoadDir(dir string) (*Static, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("catalog: list %s: %w", dir, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("catalog: no restaurant files in %s", dir)
	}
	restaurants := make([]Restaurant, 0, len(paths))
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("catalog: read %s: %w", p, err)
		}
		key := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		r, err := parseRestaurant(key, raw)
		if err != nil {
			return nil, fmt.Errorf("catalog: %s: %w", p, err)
		}
		restaurants = append(restaurants, r)
	}
	return NewStatic(restaurants...), nil
}

func parseRestaurant(key string, raw []byte) (Restaurant, error) {
	var f restaurantFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return Restaurant{}, err
	}
	r := Restaurant{
		Profile: domain.RestaurantProfile{
			Key:         key,
			DisplayName: strings.TrimSpace(f.Name),
			Timezone:    strings.TrimSpace(f.Timezone),
			Policies:    f.Policies,
			Deals:       f.Deals,
			Locations:   f.Locations,
		},
		Menu: make([]domain.MenuItem, 0, len(f.Menu)),
	}
	for i, it := range f.Menu {
		if it.Price < 0 {
			return Restaurant{}, fmt.Errorf("menu item %d: negative price", i)
		}
		item := domain.MenuItem{
			ItemID:      it.ItemID,
			Name:        it.Name,
			Category:    it.Category,
			Price:       it.Price,
			Description: it.Description,
			Available:   it.Available == nil || *it.Available,
		}
		if item.ItemID == "" {
			item.ItemID = fmt.Sprintf("%s_itm_%d", key, i+1)
		}
		if item.Category == "" {
			item.Category = "Uncategorized"
		}
		r.Menu = append(r.Menu, item)
	}
	return r, nil
}

func (s *Static) Profile(_ context.Context, key string) (domain.RestaurantProfile, error) {
	r, ok := s.restaurants[key]
	if !ok {
		return domain.RestaurantProfile{}, domain.ErrRestaurantNotFound
	}
	return r.Profile, nil
}

func (s *Static) AvailableItems(_ context.Context, key string) ([]domain.MenuItem, error) {
	r, ok := s.restaurants[key]
	if !ok {
		return nil, domain.ErrRestaurantNotFound
	}
	out := make([]domain.MenuItem, 0, len(r.Menu))
	for _, it := range r.Menu {
		if it.Available {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *Static) List(_ context.Context) ([]domain.RestaurantSummary, error) {
	out := make([]domain.RestaurantSummary, 0, len(s.restaurants))
	for _, r := range s.restaurants {
		out = append(out, domain.RestaurantSummary{Key: r.Profile.Key, DisplayName: r.Profile.DisplayName})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Restaurants returns every record ordered by key.
func (s *Static) Restaurants() []Restaurant {
	out := make([]Restaurant, 0, len(s.restaurants))
	for _, r := range s.restaurants {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Profile.Key < out[j].Profile.Key })
	return out
}
