package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"restaurant-agent/internal/domain"
	"restaurant-agent/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"

	routeAsk         = "ask"
	routeRestaurants = "restaurants"
	routeHistory     = "history"
	routeClear       = "clear"
)

// Service is the engine surface exposed over HTTP.
type Service interface {
	Respond(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	ListRestaurants(ctx context.Context) ([]domain.RestaurantSummary, error)
	History(ctx context.Context, restaurantKey, sessionID string, limit int) ([]domain.Turn, error)
	Clear(ctx context.Context, restaurantKey string) (int, error)
}

type askRequest struct {
	Message       string   `json:"message"`
	RestaurantKey string   `json:"restaurantKey"`
	Mode          string   `json:"mode,omitempty"`
	SessionID     string   `json:"sessionId,omitempty"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
}

type askResponse struct {
	Response  string              `json:"response"`
	SessionID string              `json:"sessionId"`
	Mode      domain.Mode         `json:"mode,omitempty"`
	Order     *domain.PlacedOrder `json:"order,omitempty"`
}

type restaurantsResponse struct {
	Restaurants []domain.RestaurantSummary `json:"restaurants"`
}

type historyResponse struct {
	RestaurantKey string        `json:"restaurantKey"`
	SessionID     string        `json:"sessionId"`
	Turns         []domain.Turn `json:"turns"`
}

type clearResponse struct {
	RestaurantKey string `json:"restaurantKey"`
	Deleted       int    `json:"deleted"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// request is the transport-neutral view of an inbound call.
type request struct {
	body  string
	vars  map[string]string
	query url.Values
}

type result struct {
	status  int
	payload any
}

type endpoint func(ctx context.Context, req request) result

// Handler serves the engine to API Gateway (Handle) and to net/http
// (RegisterRoutes). Both paths share the same routes and endpoints.
type Handler struct {
	svc       Service
	router    *mux.Router
	endpoints map[string]endpoint
	log       zerolog.Logger
}

func NewHandler(svc Service) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: service must not be nil")
	}
	h := &Handler{svc: svc, log: log.Logger}
	h.endpoints = map[string]endpoint{
		routeAsk:         h.ask,
		routeRestaurants: h.restaurants,
		routeHistory:     h.history,
		routeClear:       h.clear,
	}
	h.router = mux.NewRouter()
	h.RegisterRoutes(h.router)
	return h, nil
}

// RegisterRoutes mounts every endpoint on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Handle("/ask", h.serveHTTP(routeAsk)).Methods(http.MethodPost).Name(routeAsk)
	r.Handle("/restaurants", h.serveHTTP(routeRestaurants)).Methods(http.MethodGet).Name(routeRestaurants)
	r.Handle("/history/{restaurantKey}/{sessionId}", h.serveHTTP(routeHistory)).Methods(http.MethodGet).Name(routeHistory)
	r.Handle("/clear/{restaurantKey}", h.serveHTTP(routeClear)).Methods(http.MethodDelete).Name(routeClear)
}

// Handle is the Lambda entrypoint for API Gateway proxy events.
func (h *Handler) Handle(ctx context.Context, ev events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(func(name string) string { return headerValue(ev.Headers, name) })
	logger := h.log.With().Str("correlation_id", corrID).Logger()
	ctx = logger.WithContext(ctx)

	req := &http.Request{Method: ev.HTTPMethod, URL: &url.URL{Path: ev.Path}, Header: http.Header{}}
	var match mux.RouteMatch
	if !h.router.Match(req, &match) {
		if errors.Is(match.MatchErr, mux.ErrMethodMismatch) {
			return lambdaResponse(corrID, errorResult(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "")), nil
		}
		return lambdaResponse(corrID, errorResult(http.StatusNotFound, string(usecase.ErrorNotFound), "unknown_route")), nil
	}

	query := url.Values{}
	for k, v := range ev.QueryStringParameters {
		query.Set(k, v)
	}
	for k, vs := range ev.MultiValueQueryStringParameters {
		query[k] = vs
	}

	res := h.endpoints[match.Route.GetName()](ctx, request{body: ev.Body, vars: match.Vars, query: query})
	h.logResult(logger, ev.HTTPMethod, ev.Path, res)
	return lambdaResponse(corrID, res), nil
}

func (h *Handler) serveHTTP(route string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID := correlationID(r.Header.Get)
		logger := h.log.With().Str("correlation_id", corrID).Logger()
		ctx := logger.WithContext(r.Context())

		var body []byte
		if r.Body != nil {
			var err error
			body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				writeResult(w, corrID, errorResult(http.StatusBadRequest, string(usecase.ErrorValidation), "invalid_body"))
				return
			}
		}

		res := h.endpoints[route](ctx, request{body: string(body), vars: mux.Vars(r), query: r.URL.Query()})
		h.logResult(logger, r.Method, r.URL.Path, res)
		writeResult(w, corrID, res)
	})
}

const maxBodyBytes = 64 << 10

func (h *Handler) ask(ctx context.Context, req request) result {
	var in askRequest
	if err := json.Unmarshal([]byte(req.body), &in); err != nil {
		return errorResult(http.StatusBadRequest, string(usecase.ErrorValidation), "invalid_body")
	}
	out, err := h.svc.Respond(ctx, usecase.TurnInput{
		Message:       in.Message,
		RestaurantKey: in.RestaurantKey,
		Mode:          in.Mode,
		SessionID:     in.SessionID,
		Latitude:      in.Latitude,
		Longitude:     in.Longitude,
	})
	if err != nil {
		return fromError(err)
	}
	return result{status: http.StatusOK, payload: askResponse{
		Response:  out.Reply,
		SessionID: out.SessionID,
		Mode:      out.Mode,
		Order:     out.Order,
	}}
}

func (h *Handler) restaurants(ctx context.Context, _ request) result {
	list, err := h.svc.ListRestaurants(ctx)
	if err != nil {
		return fromError(err)
	}
	if list == nil {
		list = []domain.RestaurantSummary{}
	}
	return result{status: http.StatusOK, payload: restaurantsResponse{Restaurants: list}}
}

func (h *Handler) history(ctx context.Context, req request) result {
	limit := 0
	if raw := req.query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return errorResult(http.StatusBadRequest, string(usecase.ErrorValidation), "invalid_limit")
		}
		limit = n
	}
	rk, sid := req.vars["restaurantKey"], req.vars["sessionId"]
	turns, err := h.svc.History(ctx, rk, sid, limit)
	if err != nil {
		return fromError(err)
	}
	if turns == nil {
		turns = []domain.Turn{}
	}
	return result{status: http.StatusOK, payload: historyResponse{RestaurantKey: rk, SessionID: sid, Turns: turns}}
}

func (h *Handler) clear(ctx context.Context, req request) result {
	rk := req.vars["restaurantKey"]
	n, err := h.svc.Clear(ctx, rk)
	if err != nil {
		return fromError(err)
	}
	return result{status: http.StatusOK, payload: clearResponse{RestaurantKey: rk, Deleted: n}}
}

func (h *Handler) logResult(logger zerolog.Logger, method, path string, res result) {
	ev := logger.Info()
	if res.status >= http.StatusInternalServerError {
		ev = logger.Error()
	}
	ev = ev.Str("method", method).Str("path", path).Int("status", res.status)
	if e, ok := res.payload.(errorResponse); ok {
		ev = ev.Str("error", e.Error).Str("reason", e.Reason)
	}
	ev.Msg("request handled")
}

func fromError(err error) result {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return errorResult(http.StatusInternalServerError, string(usecase.ErrorInternal), "unexpected_error")
	}
	return errorResult(statusFor(ucErr.Code), string(ucErr.Code), ucErr.Reason)
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorValidation:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorResult(status int, code, reason string) result {
	return result{status: status, payload: errorResponse{Error: code, Reason: reason}}
}

func responseHeaders(corrID string) map[string]string {
	return map[string]string{
		"Content-Type":      "application/json",
		headerCorrelationID: corrID,
	}
}

func lambdaResponse(corrID string, res result) events.APIGatewayProxyResponse {
	body, err := json.Marshal(res.payload)
	if err != nil {
		res.status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR","reason":"encode_error"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: res.status,
		Headers:    responseHeaders(corrID),
		Body:       string(body),
	}
}

func writeResult(w http.ResponseWriter, corrID string, res result) {
	for k, v := range responseHeaders(corrID) {
		w.Header().Set(k, v)
	}
	w.WriteHeader(res.status)
	_ = json.NewEncoder(w).Encode(res.payload)
}

// correlationID reuses the caller's id or mints a new one.
func correlationID(get func(string) string) string {
	if id := strings.TrimSpace(get(headerCorrelationID)); id != "" {
		return id
	}
	return uuid.NewString()
}

// headerValue looks a header up case-insensitively; API Gateway passes
// headers through with whatever casing the client used.
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
