package usecase

import (
	"regexp"
	"strings"

	"restaurant-agent/internal/domain"
)

// ClassifyInput is everything the mode classifier looks at. It carries no
// hidden state, so equal inputs always classify the same way.
type ClassifyInput struct {
	ExplicitMode      string
	LastAssistantText string
	UserText          string
	// Categories are the restaurant's menu category names.
	Categories []string
}

// Phrases the assistant uses while it is in the middle of taking an order.
var continuationPhrases = []string{
	"how many",
	"what quantity",
	"which size",
	"what size",
	"pickup or delivery",
	"pick up or delivery",
	"pick-up or delivery",
	"delivery or pickup",
	"delivery address",
	"your address",
	"address for delivery",
	"your name",
	"name for the order",
	"anything else",
	"would you like to add",
	"confirm your order",
	"shall i place",
	"should i place",
}

var orderVerbs = []string{
	"order",
	"ordering",
	"i want",
	"i'd like",
	"i would like",
	"get me",
	"add",
	"buy",
	"checkout",
	"check out",
}

var sizeWords = []string{
	"small",
	"medium",
	"large",
	"regular",
	"family",
	"personal",
	"xl",
	"extra large",
}

var (
	inchPattern    = regexp.MustCompile(`\b\d+\s*-?\s*(inch|inches|")`)
	bareNumber     = regexp.MustCompile(`^\d+$`)
	nonWordPattern = regexp.MustCompile(`[^a-z0-9']+`)

	// Typographic apostrophes are folded so "I’d like" matches "i'd like".
	apostropheReplacer = strings.NewReplacer("\u2019", "'", "\u2018", "'", "\u02bc", "'")
)

type classifyRule struct {
	name  string
	match func(ClassifyInput) bool
}

// classificationRules are evaluated in order; the first match forces order mode.
var classificationRules = []classifyRule{
	{name: "continuation_phrase", match: continuesOrder},
	{name: "order_verb", match: hasOrderVerb},
	{name: "menu_category", match: mentionsCategory},
	{name: "size_token", match: hasSizeToken},
}

// Classify decides the effective mode of the current turn.
func Classify(in ClassifyInput) domain.Mode {
	mode, _ := classify(in)
	return mode
}

// classify also reports which rule decided, for logging.
func classify(in ClassifyInput) (domain.Mode, string) {
	for _, r := range classificationRules {
		if r.match(in) {
			return domain.ModeOrder, r.name
		}
	}
	if mode, ok := domain.ParseMode(strings.ToLower(strings.TrimSpace(in.ExplicitMode))); ok {
		return mode, "explicit_mode"
	}
	return domain.ModeChat, "default"
}

func continuesOrder(in ClassifyInput) bool {
	last := strings.ToLower(in.LastAssistantText)
	if strings.TrimSpace(last) == "" {
		return false
	}
	for _, p := range continuationPhrases {
		if strings.Contains(last, p) {
			return true
		}
	}
	return false
}

func hasOrderVerb(in ClassifyInput) bool {
	return containsAnyPhrase(normalizeWords(in.UserText), orderVerbs)
}

func mentionsCategory(in ClassifyInput) bool {
	text := normalizeWords(in.UserText)
	for _, c := range in.Categories {
		if containsAnyPhrase(text, categoryVariants(c)) {
			return true
		}
	}
	return false
}

func hasSizeToken(in ClassifyInput) bool {
	lower := strings.ToLower(strings.TrimSpace(in.UserText))
	if bareNumber.MatchString(lower) || inchPattern.MatchString(lower) {
		return true
	}
	return containsAnyPhrase(normalizeWords(lower), sizeWords)
}

// normalizeWords lowercases s and reduces it to single-space separated words
// padded with a space on each side, so phrases can be matched on word
// boundaries with strings.Contains.
func normalizeWords(s string) string {
	words := strings.Fields(nonWordPattern.ReplaceAllString(apostropheReplacer.Replace(strings.ToLower(s)), " "))
	return " " + strings.Join(words, " ") + " "
}

func containsAnyPhrase(normalized string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(normalized, normalizeWords(p)) {
			return true
		}
	}
	return false
}

// categoryVariants returns singular and plural spellings of a category name.
func categoryVariants(category string) []string {
	c := strings.TrimSpace(strings.Join(strings.Fields(strings.ToLower(category)), " "))
	if len(c) < 3 {
		return nil
	}
	variants := []string{c, c + "s", c + "es"}
	if singular := strings.TrimSuffix(c, "s"); singular != c && len(singular) >= 3 {
		variants = append(variants, singular)
	}
	return variants
}
