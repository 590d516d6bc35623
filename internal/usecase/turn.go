package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"restaurant-agent/internal/domain"
	"restaurant-agent/internal/geo"
)

const (
	defaultMaxMessageLen     = 1000
	defaultCompletionTimeout = 20 * time.Second

	apologyReply        = "Sorry, I'm having trouble answering right now. Please try again in a moment."
	orderConfirmedReply = "Thanks! Your order has been placed."
)

// Completer executes one generation request against the external service.
type Completer interface {
	Complete(ctx context.Context, messages []domain.ChatMessage, params domain.ModelParams) (string, error)
}

// SessionStore is the append-only turn log.
type SessionStore interface {
	Append(ctx context.Context, key domain.SessionKey, turns ...domain.Turn) error
	Recent(ctx context.Context, key domain.SessionKey, limit int) ([]domain.Turn, error)
	Exists(ctx context.Context, key domain.SessionKey) (bool, error)
	Clear(ctx context.Context, restaurantKey string) (int, error)
}

// Catalog serves restaurant profiles and menus.
type Catalog interface {
	Profile(ctx context.Context, restaurantKey string) (domain.RestaurantProfile, error)
	AvailableItems(ctx context.Context, restaurantKey string) ([]domain.MenuItem, error)
	List(ctx context.Context) ([]domain.RestaurantSummary, error)
}

// OrderRecorder receives every order the engine accepts.
type OrderRecorder interface {
	RecordOrder(ctx context.Context, order domain.PlacedOrder) error
}

type Options struct {
	Model             domain.ModelParams
	MenuLimit         int
	HistoryWindow     int
	MaxMessageLen     int
	CompletionTimeout time.Duration
	Recorders         []OrderRecorder
	Logger            *zerolog.Logger
	Now               func() time.Time
}

type TurnService struct {
	catalog   Catalog
	store     SessionStore
	llm       Completer
	recorders []OrderRecorder
	locks     *sessionLocks
	log       zerolog.Logger
	now       func() time.Time

	model         domain.ModelParams
	menuLimit     int
	historyWindow int
	maxMessageLen int
	timeout       time.Duration
}

type TurnInput struct {
	Message       string
	RestaurantKey string
	Mode          string
	SessionID     string
	Latitude      *float64
	Longitude     *float64
}

type TurnOutput struct {
	Reply     string
	SessionID string
	Mode      domain.Mode
	Order     *domain.PlacedOrder
}

func NewTurnService(catalog Catalog, store SessionStore, llm Completer, opts Options) (*TurnService, error) {
	if catalog == nil {
		return nil, errors.New("usecase: catalog must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: completer must not be nil")
	}
	if strings.TrimSpace(opts.Model.Model) == "" {
		return nil, errors.New("usecase: model must not be empty")
	}
	s := &TurnService{
		catalog:       catalog,
		store:         store,
		llm:           llm,
		recorders:     opts.Recorders,
		locks:         newSessionLocks(),
		log:           log.Logger,
		now:           time.Now,
		model:         opts.Model,
		menuLimit:     opts.MenuLimit,
		historyWindow: opts.HistoryWindow,
		maxMessageLen: opts.MaxMessageLen,
		timeout:       opts.CompletionTimeout,
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	}
	if opts.Now != nil {
		s.now = opts.Now
	}
	if s.menuLimit <= 0 {
		s.menuLimit = DefaultMenuLimit
	}
	if s.historyWindow <= 0 {
		s.historyWindow = DefaultHistoryWindow
	}
	if s.maxMessageLen <= 0 {
		s.maxMessageLen = defaultMaxMessageLen
	}
	if s.timeout <= 0 {
		s.timeout = defaultCompletionTimeout
	}
	return s, nil
}

// Respond runs one user turn through classification, context assembly,
// completion and order extraction, then appends both turns to the session.
func (s *TurnService) Respond(ctx context.Context, in TurnInput) (TurnOutput, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return TurnOutput{}, newError(ErrorValidation, "empty_message", nil)
	}
	if len(message) > s.maxMessageLen {
		return TurnOutput{}, newError(ErrorValidation, "message_too_long", nil)
	}
	if strings.TrimSpace(in.RestaurantKey) == "" {
		return TurnOutput{}, newError(ErrorValidation, "missing_restaurant_key", nil)
	}
	if (in.Latitude == nil) != (in.Longitude == nil) {
		return TurnOutput{}, newError(ErrorValidation, "incomplete_coordinates", nil)
	}
	if in.Latitude != nil && !geo.ValidCoordinates(*in.Latitude, *in.Longitude) {
		return TurnOutput{}, newError(ErrorValidation, "invalid_coordinates", nil)
	}

	profile, err := s.resolveRestaurant(ctx, in.RestaurantKey)
	if err != nil {
		return TurnOutput{}, err
	}

	key := domain.SessionKey{RestaurantKey: profile.Key, SessionID: strings.TrimSpace(in.SessionID)}
	if key.SessionID == "" {
		key.SessionID = newUUID()
	} else if err := s.requireSession(ctx, key); err != nil {
		return TurnOutput{}, err
	}

	release, err := s.locks.acquire(ctx, key.String())
	if err != nil {
		return TurnOutput{}, newError(ErrorService, "session_busy", err)
	}
	defer release()

	logger := s.log.With().Str("restaurant", key.RestaurantKey).Str("session", key.SessionID).Logger()

	menu, err := s.catalog.AvailableItems(ctx, profile.Key)
	if err != nil {
		return TurnOutput{}, newError(ErrorInternal, "catalog_error", err)
	}
	recent, err := s.store.Recent(ctx, key, s.historyWindow)
	if err != nil {
		return TurnOutput{}, newError(ErrorInternal, "history_error", err)
	}

	mode, rule := classify(ClassifyInput{
		ExplicitMode:      in.Mode,
		LastAssistantText: lastAssistantText(recent),
		UserText:          message,
		Categories:        menuCategories(menu),
	})
	logger.Debug().Str("mode", string(mode)).Str("rule", rule).Msg("turn classified")

	var nearest *NearestLocation
	if in.Latitude != nil {
		loc, dist, err := geo.Nearest(*in.Latitude, *in.Longitude, profile.Locations)
		if err == nil {
			nearest = &NearestLocation{Location: loc, DistanceKm: dist}
		}
	}

	now := s.now()
	messages := BuildContext(ContextInput{
		Profile:       profile,
		Menu:          menu,
		Recent:        recent,
		UserText:      message,
		Mode:          mode,
		Nearest:       nearest,
		Now:           now,
		MenuLimit:     s.menuLimit,
		HistoryWindow: s.historyWindow,
	})

	var order *domain.Order
	reply, err := s.complete(ctx, messages)
	if err != nil {
		logger.Warn().Err(err).Str("reason", errorReason(err)).Msg("completion failed, replying with apology")
		reply = apologyReply
	} else {
		var exErr error
		order, reply, exErr = ExtractOrder(reply)
		if exErr != nil {
			logger.Warn().Err(exErr).Str("reason", errorReason(exErr)).Msg("order block rejected")
		}
		if order != nil && reply == "" {
			reply = orderConfirmedReply
		}
	}

	userTS := now.UTC()
	if n := len(recent); n > 0 && userTS.Before(recent[n-1].Timestamp) {
		userTS = recent[n-1].Timestamp
	}
	assistantTS := s.now().UTC()
	if assistantTS.Before(userTS) {
		assistantTS = userTS
	}
	err = s.store.Append(ctx, key,
		domain.Turn{Role: domain.TurnUser, Text: message, Mode: mode, Timestamp: userTS},
		domain.Turn{Role: domain.TurnAssistant, Text: reply, Mode: mode, Timestamp: assistantTS},
	)
	if err != nil {
		return TurnOutput{}, newError(ErrorInternal, "history_write_error", err)
	}

	out := TurnOutput{Reply: reply, SessionID: key.SessionID, Mode: mode}
	if order != nil {
		placed := domain.PlacedOrder{
			OrderID:       newUUID(),
			RestaurantKey: key.RestaurantKey,
			SessionID:     key.SessionID,
			Status:        domain.OrderStatusConfirmed,
			PlacedAt:      assistantTS,
			Order:         *order,
		}
		s.recordOrder(ctx, logger, placed)
		out.Order = &placed
	}
	return out, nil
}

// ListRestaurants returns every restaurant with a display name.
func (s *TurnService) ListRestaurants(ctx context.Context) ([]domain.RestaurantSummary, error) {
	list, err := s.catalog.List(ctx)
	if err != nil {
		return nil, newError(ErrorInternal, "catalog_error", err)
	}
	for i := range list {
		if strings.TrimSpace(list[i].DisplayName) == "" {
			list[i].DisplayName = domain.FormatKey(list[i].Key)
		}
	}
	return list, nil
}

// History returns up to limit of a session's most recent turns, oldest-first.
func (s *TurnService) History(ctx context.Context, restaurantKey, sessionID string, limit int) ([]domain.Turn, error) {
	key := domain.SessionKey{RestaurantKey: strings.TrimSpace(restaurantKey), SessionID: strings.TrimSpace(sessionID)}
	if key.RestaurantKey == "" {
		return nil, newError(ErrorValidation, "missing_restaurant_key", nil)
	}
	if key.SessionID == "" {
		return nil, newError(ErrorValidation, "missing_session_id", nil)
	}
	if err := s.requireSession(ctx, key); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.historyWindow
	}
	turns, err := s.store.Recent(ctx, key, limit)
	if err != nil {
		return nil, newError(ErrorInternal, "history_error", err)
	}
	return turns, nil
}

// Clear deletes every session stored under restaurantKey.
func (s *TurnService) Clear(ctx context.Context, restaurantKey string) (int, error) {
	restaurantKey = strings.TrimSpace(restaurantKey)
	if restaurantKey == "" {
		return 0, newError(ErrorValidation, "missing_restaurant_key", nil)
	}
	n, err := s.store.Clear(ctx, restaurantKey)
	if err != nil {
		return 0, newError(ErrorInternal, "history_clear_error", err)
	}
	s.log.Info().Str("restaurant", restaurantKey).Int("turns", n).Msg("cleared sessions")
	return n, nil
}

// resolveRestaurant looks the key up directly, then falls back to matching
// display names from the listing.
func (s *TurnService) resolveRestaurant(ctx context.Context, key string) (domain.RestaurantProfile, error) {
	key = strings.TrimSpace(key)
	profile, err := s.catalog.Profile(ctx, key)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, domain.ErrRestaurantNotFound) {
		return domain.RestaurantProfile{}, newError(ErrorInternal, "catalog_error", err)
	}

	list, err := s.catalog.List(ctx)
	if err != nil {
		return domain.RestaurantProfile{}, newError(ErrorInternal, "catalog_error", err)
	}
	for _, r := range list {
		if strings.EqualFold(r.DisplayName, key) || strings.EqualFold(domain.FormatKey(r.Key), key) {
			profile, err := s.catalog.Profile(ctx, r.Key)
			if err != nil {
				return domain.RestaurantProfile{}, newError(ErrorInternal, "catalog_error", err)
			}
			return profile, nil
		}
	}
	return domain.RestaurantProfile{}, newError(ErrorNotFound, "unknown_restaurant", nil)
}

func (s *TurnService) requireSession(ctx context.Context, key domain.SessionKey) error {
	ok, err := s.store.Exists(ctx, key)
	if err != nil {
		return newError(ErrorInternal, "session_lookup_error", err)
	}
	if !ok {
		return newError(ErrorNotFound, "unknown_session", nil)
	}
	return nil
}

func (s *TurnService) complete(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.llm.Complete(ctx, messages, s.model)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", newError(ErrorService, "completion_timeout", err)
		}
		return "", newError(ErrorService, "completion_error", err)
	}
	if strings.TrimSpace(raw) == "" {
		return "", newError(ErrorService, "empty_completion", nil)
	}
	return raw, nil
}

func (s *TurnService) recordOrder(ctx context.Context, logger zerolog.Logger, order domain.PlacedOrder) {
	for _, r := range s.recorders {
		if err := r.RecordOrder(ctx, order); err != nil {
			logger.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to record order")
		}
	}
	logger.Info().Str("order_id", order.OrderID).Float64("total", order.Order.Total).Msg("order placed")
}

func lastAssistantText(turns []domain.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == domain.TurnAssistant {
			return turns[i].Text
		}
	}
	return ""
}

func errorReason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

var newUUID = func() string {
	return uuid.NewString()
}
