package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/baseline"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

// DynamoDBAPI defines the DynamoDB operations required for the audit store.
type DynamoDBAPI interface {
	PutItem(
		ctx context.Context,
		params *dynamodb.PutItemInput,
		optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	BatchWriteItem(
		ctx context.Context,
		params *dynamodb.BatchWriteItemInput,
		optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Query(
		ctx context.Context,
		params *dynamodb.QueryInput,
		optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Single-table layout:
//
//	pk ACTOR#<actor>  sk DECISION#<event time>#<event id>#<reason>
//	pk ACTOR#<actor>  sk ALERT#<alert time>#<event id>
//	pk BASELINE       sk <actor>
//
// Malformed records have no actor and are stored under pk MALFORMED.
const (
	attrPK         = "pk"
	attrSK         = "sk"
	attrPayload    = "payload"
	attrOutcome    = "outcome"
	attrReason     = "reason"
	attrSuppressed = "suppressed"
	attrExpiresAt  = "expiresAt"

	pkBaseline  = "BASELINE"
	pkMalformed = "MALFORMED"

	batchWriteLimit = 25
	batchRetries    = 5
)

// DynamoStore is the DynamoDB-backed implementation of Store.
type DynamoStore struct {
	client DynamoDBAPI
	table  string
	// retention sets the TTL of baseline items.
	retention time.Duration
}

// NewDynamoStore creates a new DynamoStore instance.
func NewDynamoStore(client DynamoDBAPI, table string, retention time.Duration) *DynamoStore {
	return &DynamoStore{
		client:    client,
		table:     table,
		retention: retention,
	}
}

func actorPK(actor string) string {
	if actor == "" {
		return pkMalformed
	}
	return "ACTOR#" + actor
}

func str(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

// RecordDecision stores d and, when present, its alert.
func (s *DynamoStore) RecordDecision(ctx context.Context, d *events.Decision) error {
	ctx, span := tracer.Start(ctx, "audit.record_decision")
	defer span.End()
	span.SetAttributes(
		attribute.String("audit.backend", "dynamodb"),
		attribute.String("decision.outcome", string(d.Outcome)),
	)

	// The alert goes first so a duplicate leaves no decision behind.
	if a := d.Alert; a != nil {
		if err := s.putAlert(ctx, a); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("cannot encode decision %q: %w", d.EventID, err)
	}

	at := d.EventTime
	if at.IsZero() {
		at = d.RecordedAt
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			attrPK:      str(actorPK(d.Actor)),
			attrSK:      str("DECISION#" + formatTime(at) + "#" + d.EventID + "#" + d.Reason),
			attrOutcome: str(string(d.Outcome)),
			attrReason:  str(d.Reason),
			attrPayload: str(string(payload)),
		},
	})
	if err != nil {
		return fmt.Errorf("cannot put decision %q to %q: %w", d.EventID, s.table, err)
	}

	return nil
}

// putAlert writes a unless an alert for the same event exists.
func (s *DynamoStore) putAlert(ctx context.Context, a *events.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("cannot encode alert %q: %w", a.ID, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			attrPK:         str(actorPK(a.Actor)),
			attrSK:         str("ALERT#" + formatTime(a.Timestamp) + "#" + a.EventID),
			attrSuppressed: &types.AttributeValueMemberBOOL{Value: a.Suppressed},
			attrPayload:    str(string(payload)),
		},
		ConditionExpression:      aws.String("attribute_not_exists(#sk)"),
		ExpressionAttributeNames: map[string]string{"#sk": attrSK},
	})

	var conflict *types.ConditionalCheckFailedException
	if errors.As(err, &conflict) {
		return fmt.Errorf("cannot put alert %q for event %q: %w", a.ID, a.EventID, ErrDuplicateAlert)
	}
	if err != nil {
		return fmt.Errorf("cannot put alert %q to %q: %w", a.ID, s.table, err)
	}
	return nil
}

// QueryAlerts returns matching alerts for one actor, newest first.
// The actor is required because alerts are partitioned by actor.
func (s *DynamoStore) QueryAlerts(ctx context.Context, q AlertQuery) ([]*events.Alert, error) {
	if q.Actor == "" {
		return nil, errors.New("cannot query alerts without an actor")
	}

	lower := "ALERT#"
	upper := "ALERT$"
	if !q.From.IsZero() {
		lower = "ALERT#" + formatTime(q.From)
	}
	if !q.To.IsZero() {
		upper = "ALERT#" + formatTime(q.To) + "$"
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("#pk = :pk AND #sk BETWEEN :lower AND :upper"),
		ExpressionAttributeNames: map[string]string{
			"#pk": attrPK,
			"#sk": attrSK,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":    str(actorPK(q.Actor)),
			":lower": str(lower),
			":upper": str(upper),
		},
		ScanIndexForward: aws.Bool(false),
	}
	if q.Suppressed != nil {
		input.FilterExpression = aws.String("#suppressed = :suppressed")
		input.ExpressionAttributeNames["#suppressed"] = attrSuppressed
		input.ExpressionAttributeValues[":suppressed"] = &types.AttributeValueMemberBOOL{Value: *q.Suppressed}
	}

	var result []*events.Alert
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("cannot query alerts for %q: %w", q.Actor, err)
		}

		for _, item := range out.Items {
			a := &events.Alert{}
			if err := decodePayload(item, a); err != nil {
				return nil, err
			}
			result = append(result, a)
			if q.Limit > 0 && len(result) == q.Limit {
				return result, nil
			}
		}
	}
	return result, nil
}

// SaveBaselines writes every baseline. Items of evicted actors expire through
// the table TTL on expiresAt.
func (s *DynamoStore) SaveBaselines(ctx context.Context, baselines []*baseline.ActorBaseline) error {
	ctx, span := tracer.Start(ctx, "audit.save_baselines")
	defer span.End()
	span.SetAttributes(attribute.Int("baseline.actors", len(baselines)))

	requests := make([]types.WriteRequest, 0, len(baselines))
	for _, b := range baselines {
		payload, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("cannot encode baseline %q: %w", b.Actor, err)
		}

		item := map[string]types.AttributeValue{
			attrPK:      str(pkBaseline),
			attrSK:      str(b.Actor),
			attrPayload: str(string(payload)),
		}
		if s.retention > 0 {
			expires := b.LastSeen.Add(s.retention).Unix()
			item[attrExpiresAt] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expires, 10)}
		}
		requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}

	for start := 0; start < len(requests); start += batchWriteLimit {
		end := min(start+batchWriteLimit, len(requests))
		if err := s.batchWrite(ctx, requests[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *DynamoStore) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{s.table: requests}

	for attempt := range batchRetries {
		out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("cannot write baselines to %q: %w", s.table, err)
		}
		if len(out.UnprocessedItems[s.table]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(1<<attempt) * 50 * time.Millisecond):
		}
	}

	return fmt.Errorf("cannot write baselines to %q: %d items unprocessed", s.table, len(pending[s.table]))
}

// LoadBaselines returns every stored baseline ordered by actor.
func (s *DynamoStore) LoadBaselines(ctx context.Context) ([]*baseline.ActorBaseline, error) {
	input := &dynamodb.QueryInput{
		TableName:                aws.String(s.table),
		KeyConditionExpression:   aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{"#pk": attrPK},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": str(pkBaseline),
		},
	}

	var result []*baseline.ActorBaseline
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("cannot query baselines: %w", err)
		}

		for _, item := range out.Items {
			b := &baseline.ActorBaseline{}
			if err := decodePayload(item, b); err != nil {
				return nil, err
			}
			result = append(result, b)
		}
	}
	return result, nil
}

// Close is a no-op; the client holds no resources.
func (s *DynamoStore) Close() error { return nil }

func decodePayload(item map[string]types.AttributeValue, v any) error {
	payload, ok := item[attrPayload].(*types.AttributeValueMemberS)
	if !ok {
		return fmt.Errorf("item has no %s attribute", attrPayload)
	}
	if err := json.Unmarshal([]byte(payload.Value), v); err != nil {
		return fmt.Errorf("cannot decode %s: %w", attrPayload, err)
	}
	return nil
}
