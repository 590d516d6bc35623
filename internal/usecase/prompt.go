package usecase

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"restaurant-agent/internal/domain"
)

const (
	DefaultMenuLimit     = 60
	DefaultHistoryWindow = 8

	noInfoReply = "I'm sorry, I don't have that information yet."
)

// NearestLocation is the branch closest to the customer, when known.
type NearestLocation struct {
	Location   domain.Location
	DistanceKm float64
}

// ContextInput is everything needed to assemble one generation request.
type ContextInput struct {
	Profile  domain.RestaurantProfile
	Menu     []domain.MenuItem
	Recent   []domain.Turn
	UserText string
	Mode     domain.Mode
	Nearest  *NearestLocation
	Now      time.Time

	MenuLimit     int
	HistoryWindow int
}

// BuildContext returns one system message, then the bounded history
// oldest-first, then the current user text verbatim.
func BuildContext(in ContextInput) []domain.ChatMessage {
	system := buildChatPrompt(in)
	if in.Mode == domain.ModeOrder {
		system = buildOrderPrompt(in)
	}

	history := historyWindow(in.Recent, in.HistoryWindow)
	messages := make([]domain.ChatMessage, 0, len(history)+2)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: system})
	for _, t := range history {
		messages = append(messages, domain.ChatMessage{Role: t.ChatRole(), Content: t.Text})
	}
	messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: in.UserText})
	return messages
}

func buildChatPrompt(in ContextInput) string {
	name := in.Profile.Name()
	return strings.Join([]string{
		"Role:",
		fmt.Sprintf("You are the friendly virtual assistant for the restaurant %q.", name),
		"",
		"Task:",
		"Answer casual questions about this restaurant: general info, menu, hours, deals, policies and locations.",
		"",
		"Behavior Rules:",
		"1) Use only the restaurant context in this request; never guess or invent information.",
		"2) Keep answers short and conversational.",
		"3) If the customer wants to order, tell them you can take the order right here.",
		fmt.Sprintf("4) If the question is not about %s, respond exactly: \"Sorry, I can only help with questions about %s.\"", name, name),
		fmt.Sprintf("5) If the answer is not in the restaurant context, respond exactly: %q", noInfoReply),
		"",
		restaurantContext(in),
	}, "\n")
}

func buildOrderPrompt(in ContextInput) string {
	name := in.Profile.Name()
	return strings.Join([]string{
		"Role:",
		fmt.Sprintf("You are the order-taking assistant for the restaurant %q.", name),
		"",
		"Order Flow (one step at a time, in this order):",
		"1) Confirm the menu item the customer wants.",
		"2) Confirm the size or variant when the item has one.",
		"3) Confirm the quantity.",
		"4) Ask whether the order is for pickup or delivery.",
		"5) If delivery, ask for the delivery address.",
		"6) Ask for the customer's name for the order.",
		"7) Summarize the full order with prices and the total and ask the customer to confirm.",
		"8) Once the customer confirms, emit the structured order described in the Output Contract.",
		"",
		"Behavior Rules:",
		"- Only offer items listed in the menu below; never invent menu items or prices.",
		"- Use the item_id and price exactly as listed in the menu.",
		"- Ask one question at a time and keep replies short.",
		"- Do not emit the structured order before the customer has confirmed the summary.",
		"",
		"Output Contract:",
		orderContract(),
		"",
		restaurantContext(in),
	}, "\n")
}

func orderContract() string {
	return strings.Join([]string{
		"After a short confirmation sentence, output the order between two marker lines, each alone on its own line:",
		OrderStartMarker,
		`{"items":[{"item_id":"<id>","name":"<name>","qty":<integer>,"price":<number>}],"total":<number>,"pickup_or_delivery":"pickup|delivery","customer_name":"<name>","address":"<address or empty for pickup>","notes":"<notes or empty>"}`,
		OrderEndMarker,
		"Use exactly these keys and no others. qty, price and total are JSON numbers. total is the sum of qty * price.",
	}, "\n")
}

func restaurantContext(in ContextInput) string {
	var b strings.Builder
	b.WriteString("Restaurant Context:\n\n")
	fmt.Fprintf(&b, "Name: %s\n", in.Profile.Name())
	if !in.Now.IsZero() {
		fmt.Fprintf(&b, "Current local time: %s\n", localTime(in.Now, in.Profile.Timezone))
	}

	b.WriteString("\nPolicies:\n")
	b.WriteString(compactJSON(in.Profile.Policies, "{}"))
	b.WriteString("\n\nDeals:\n")
	b.WriteString(compactJSON(in.Profile.Deals, "[]"))
	b.WriteString("\n")

	if len(in.Profile.Locations) > 0 {
		b.WriteString("\nLocations:\n")
		for _, l := range in.Profile.Locations {
			fmt.Fprintf(&b, "- %s | %s | %s\n", l.Name, l.Address, l.Phone)
		}
	}
	if in.Nearest != nil {
		fmt.Fprintf(&b, "Nearest location to the customer: %s (%s), %.1f km away\n",
			in.Nearest.Location.Name, in.Nearest.Location.Address, in.Nearest.DistanceKm)
	}

	items, truncated := menuExcerpt(in.Menu, in.MenuLimit)
	b.WriteString("\nMenu (item_id | name | category | price):\n")
	if len(items) == 0 {
		b.WriteString("- no items available\n")
	}
	for _, it := range items {
		fmt.Fprintf(&b, "- %s | %s | %s | $%.2f\n", it.ItemID, it.Name, it.Category, it.Price)
	}
	if truncated {
		fmt.Fprintf(&b, "(showing the first %d available items)\n", len(items))
	}
	return strings.TrimRight(b.String(), "\n")
}

// menuExcerpt keeps the first limit available items in their original order.
func menuExcerpt(menu []domain.MenuItem, limit int) ([]domain.MenuItem, bool) {
	if limit <= 0 {
		limit = DefaultMenuLimit
	}
	out := make([]domain.MenuItem, 0, min(len(menu), limit))
	for _, it := range menu {
		if !it.Available {
			continue
		}
		if len(out) == limit {
			return out, true
		}
		out = append(out, it)
	}
	return out, false
}

// historyWindow returns the newest window turns, oldest-first.
func historyWindow(turns []domain.Turn, window int) []domain.Turn {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	if len(turns) > window {
		return turns[len(turns)-window:]
	}
	return turns
}

// menuCategories lists distinct categories of available items in menu order.
func menuCategories(menu []domain.MenuItem) []string {
	seen := make(map[string]bool, len(menu))
	var out []string
	for _, it := range menu {
		c := strings.ToLower(strings.TrimSpace(it.Category))
		if !it.Available || c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func localTime(now time.Time, tz string) string {
	if strings.TrimSpace(tz) == "" {
		tz = domain.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	return now.In(loc).Format("Monday, January 2, 2006 at 03:04 PM MST")
}

func compactJSON(v any, empty string) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return empty
	}
	return string(b)
}
