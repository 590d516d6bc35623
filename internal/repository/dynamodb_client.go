package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"restaurant-agent/internal/domain"
)

const (
	skPrefixTurn  = "TURN#"
	skMeta        = "META#"
	skPrefixOrder = "ORDER#"
	ttlDuration   = 30 * 24 * time.Hour // 30-day TTL

	// DefaultRestaurantIndex is the GSI keyed on gsi1pk = REST#<restaurantKey>.
	DefaultRestaurantIndex = "restaurant-index"

	batchWriteLimit   = 25
	batchWriteRetries = 5
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Client stores session turns and placed orders in a single DynamoDB table.
//
// Layout:
//
//	PK = SESSION#<restaurant>#<session>  SK = TURN#<unix nanos>#<seq>
//	PK = SESSION#<restaurant>#<session>  SK = META#
//	PK = ORDER#<restaurant>              SK = ORDER#<unix nanos>#<order id>
//
// Turn and meta items carry gsi1pk = REST#<restaurant> so a restaurant's
// sessions can be found and cleared through the restaurant index.
type Client struct {
	api             dynamodbAPI
	tableName       string
	restaurantIndex string
	now             func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName, restaurantIndex string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if strings.TrimSpace(restaurantIndex) == "" {
		restaurantIndex = DefaultRestaurantIndex
	}
	return &Client{api: api, tableName: tableName, restaurantIndex: restaurantIndex, now: time.Now}, nil
}

func sessionPK(key domain.SessionKey) string {
	return "SESSION#" + key.RestaurantKey + "#" + key.SessionID
}

func restaurantGSI(restaurantKey string) string {
	return "REST#" + restaurantKey
}

// turnSK orders lexicographically by timestamp, then by the turn's sequence
// number within the session.
func turnSK(ts time.Time, seq int64) string {
	return fmt.Sprintf("%s%020d#%010d", skPrefixTurn, ts.UTC().UnixNano(), seq)
}

func orderPK(restaurantKey string) string {
	return "ORDER#" + restaurantKey
}

func orderSK(order domain.PlacedOrder) string {
	return fmt.Sprintf("%s%020d#%s", skPrefixOrder, order.PlacedAt.UTC().UnixNano(), order.OrderID)
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

// Append writes the turns and bumps the session metadata in one transaction.
// Each turn's sort key carries the session-wide sequence number, so turns
// with equal timestamps keep insertion order across appends. The metadata
// update is conditioned on the counter and last timestamp read beforehand;
// a concurrent writer makes the transaction fail with ErrConflict.
func (c *Client) Append(ctx context.Context, key domain.SessionKey, turns ...domain.Turn) error {
	if err := validateAppend(key, turns); err != nil {
		return fmt.Errorf("repository: Append: %w", err)
	}

	meta, err := c.readMeta(ctx, key)
	if err != nil {
		return fmt.Errorf("repository: Append: %w", err)
	}
	var last time.Time
	if meta.lastNanos > 0 {
		last = time.Unix(0, meta.lastNanos).UTC()
	}
	if err := checkOrder(last, turns); err != nil {
		return fmt.Errorf("repository: Append: %w", err)
	}

	pk := sessionPK(key)
	ttl := c.ttlValue()
	items := make([]types.TransactWriteItem, 0, len(turns)+1)
	for i, t := range turns {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                turnItem(key, t, meta.turns+int64(i), ttl),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		})
	}
	lastTurn := turns[len(turns)-1].Timestamp.UTC()
	items = append(items, types.TransactWriteItem{
		Update: &types.Update{
			TableName: aws.String(c.tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: pk},
				"SK": &types.AttributeValueMemberS{Value: skMeta},
			},
			UpdateExpression:    aws.String("SET restaurantKey = :rk, sessionId = :sid, gsi1pk = :g, lastActivity = :la, lastTs = :lts, #ttl = :ttl ADD turns :n"),
			ConditionExpression: aws.String(metaCondition),
			ExpressionAttributeNames: map[string]string{
				"#ttl": "ttl",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":rk":    &types.AttributeValueMemberS{Value: key.RestaurantKey},
				":sid":   &types.AttributeValueMemberS{Value: key.SessionID},
				":g":     &types.AttributeValueMemberS{Value: restaurantGSI(key.RestaurantKey)},
				":la":    &types.AttributeValueMemberS{Value: lastTurn.Format(time.RFC3339Nano)},
				":lts":   &types.AttributeValueMemberN{Value: strconv.FormatInt(lastTurn.UnixNano(), 10)},
				":first": &types.AttributeValueMemberN{Value: strconv.FormatInt(turns[0].Timestamp.UTC().UnixNano(), 10)},
				":prev":  &types.AttributeValueMemberN{Value: strconv.FormatInt(meta.turns, 10)},
				":ttl":   &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
				":n":     &types.AttributeValueMemberN{Value: strconv.Itoa(len(turns))},
			},
		},
	})

	if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		if metaConditionFailed(err, len(items)-1) {
			return fmt.Errorf("repository: Append: %w", ErrConflict)
		}
		return fmt.Errorf("repository: Append: %w", err)
	}
	return nil
}

// metaCondition holds when the session counter and last timestamp are still
// the values Append read, and the batch does not start before the last turn.
const metaCondition = "(attribute_not_exists(turns) OR turns = :prev) AND (attribute_not_exists(lastTs) OR lastTs <= :first)"

type sessionMeta struct {
	turns     int64
	lastNanos int64
}

func (c *Client) readMeta(ctx context.Context, key domain.SessionKey) (sessionMeta, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(key)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return sessionMeta{}, fmt.Errorf("get meta: %w", err)
	}
	var meta sessionMeta
	if out == nil || len(out.Item) == 0 {
		return meta, nil
	}
	if meta.turns, err = numAttr(out.Item, "turns"); err != nil {
		return sessionMeta{}, err
	}
	if meta.lastNanos, err = numAttr(out.Item, "lastTs"); err != nil {
		return sessionMeta{}, err
	}
	return meta, nil
}

// metaConditionFailed reports whether a cancelled transaction failed on the
// metadata update at index.
func metaConditionFailed(err error, index int) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) || index >= len(tce.CancellationReasons) {
		return false
	}
	return aws.ToString(tce.CancellationReasons[index].Code) == "ConditionalCheckFailed"
}

// Recent queries the newest turns of a session and returns them oldest-first.
func (c *Client) Recent(ctx context.Context, key domain.SessionKey, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return []domain.Turn{}, nil
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(key)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
		ConsistentRead:   aws.Bool(true),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: Recent query: %w", err)
	}

	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		t, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: Recent unmarshal: %w", err)
		}
		turns = append(turns, t)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Exists reports whether the session has a metadata record.
func (c *Client) Exists(ctx context.Context, key domain.SessionKey) (bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(key)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("repository: Exists get item: %w", err)
	}
	return out != nil && len(out.Item) > 0, nil
}

// Clear deletes every turn and metadata item of the restaurant's sessions
// and returns the number of turns removed.
func (c *Client) Clear(ctx context.Context, restaurantKey string) (int, error) {
	if strings.TrimSpace(restaurantKey) == "" {
		return 0, errors.New("repository: Clear: restaurant key is required")
	}

	var keys []map[string]types.AttributeValue
	turns := 0
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			IndexName:              aws.String(c.restaurantIndex),
			KeyConditionExpression: aws.String("gsi1pk = :g"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":g": &types.AttributeValueMemberS{Value: restaurantGSI(restaurantKey)},
			},
			ProjectionExpression: aws.String("PK, SK"),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return 0, fmt.Errorf("repository: Clear query: %w", err)
		}
		for _, item := range out.Items {
			sk, err := strAttr(item, "SK")
			if err != nil {
				return 0, fmt.Errorf("repository: Clear: %w", err)
			}
			if strings.HasPrefix(sk, skPrefixTurn) {
				turns++
			}
			keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	for start := 0; start < len(keys); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(keys))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
		}
		if err := c.batchDelete(ctx, reqs); err != nil {
			return 0, fmt.Errorf("repository: Clear: %w", err)
		}
	}
	return turns, nil
}

func (c *Client) batchDelete(ctx context.Context, reqs []types.WriteRequest) error {
	for attempt := 0; len(reqs) > 0; attempt++ {
		if attempt == batchWriteRetries {
			return fmt.Errorf("batch delete: %d items left unprocessed", len(reqs))
		}
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{c.tableName: reqs},
		})
		if err != nil {
			return fmt.Errorf("batch delete: %w", err)
		}
		if out == nil {
			return nil
		}
		reqs = out.UnprocessedItems[c.tableName]
	}
	return nil
}

// RecordOrder persists an accepted order under the restaurant's order
// partition.
func (c *Client) RecordOrder(ctx context.Context, order domain.PlacedOrder) error {
	if order.OrderID == "" || order.RestaurantKey == "" {
		return errors.New("repository: RecordOrder: order id and restaurant key are required")
	}
	payload, err := json.Marshal(order.Order)
	if err != nil {
		return fmt.Errorf("repository: RecordOrder marshal: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: orderPK(order.RestaurantKey)},
			"SK":        &types.AttributeValueMemberS{Value: orderSK(order)},
			"orderId":   &types.AttributeValueMemberS{Value: order.OrderID},
			"sessionId": &types.AttributeValueMemberS{Value: order.SessionID},
			"status":    &types.AttributeValueMemberS{Value: order.Status},
			"placedAt":  &types.AttributeValueMemberS{Value: order.PlacedAt.UTC().Format(time.RFC3339Nano)},
			"total":     &types.AttributeValueMemberN{Value: strconv.FormatFloat(order.Order.Total, 'f', 2, 64)},
			"order":     &types.AttributeValueMemberS{Value: string(payload)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: RecordOrder: %w", err)
	}
	return nil
}

func turnItem(key domain.SessionKey, t domain.Turn, seq int64, ttl int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: sessionPK(key)},
		"SK":            &types.AttributeValueMemberS{Value: turnSK(t.Timestamp, seq)},
		"gsi1pk":        &types.AttributeValueMemberS{Value: restaurantGSI(key.RestaurantKey)},
		"restaurantKey": &types.AttributeValueMemberS{Value: key.RestaurantKey},
		"sessionId":     &types.AttributeValueMemberS{Value: key.SessionID},
		"role":          &types.AttributeValueMemberS{Value: string(t.Role)},
		"text":          &types.AttributeValueMemberS{Value: t.Text},
		"mode":          &types.AttributeValueMemberS{Value: string(t.Mode)},
		"ts":            &types.AttributeValueMemberS{Value: t.Timestamp.UTC().Format(time.RFC3339Nano)},
		"ttl":           &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}
}

// itemToTurn converts a DynamoDB attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Turn{}, err
	}
	rawTS, err := strAttr(item, "ts")
	if err != nil {
		return domain.Turn{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, rawTS)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: parse attribute \"ts\": %w", err)
	}
	mode, _ := strAttr(item, "mode") // allow empty

	return domain.Turn{
		Role:      domain.Role(role),
		Text:      text,
		Mode:      domain.Mode(mode),
		Timestamp: ts,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

// numAttr reads an optional number attribute; absent means zero.
func numAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, nil
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	i, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return i, nil
}
