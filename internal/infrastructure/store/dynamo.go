package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/example/arque/internal/arqerr"
	"github.com/example/arque/internal/event"
)

// Dynamo is the DynamoDB Store adapter. A transactional write covers the
// aggregate record and the event batch; conditional checks provide the
// same optimistic locking the Postgres adapter gets from its unique
// index. The events table is keyed (aggregate_id, version) with a GSI
// (gsi1pk, gsi1sk) for the all-aggregates scan order.
type Dynamo struct {
	client          *dynamodb.Client
	eventsTable     string
	aggregatesTable string
	snapshotsTable  string
	checkpointTable string
	pageSize        int32
}

// allEventsPartition is the fixed GSI partition every event lands in so
// ListEvents without an aggregate filter can query in key order.
const allEventsPartition = "EVENT"

type DynamoTables struct {
	Events      string
	Aggregates  string
	Snapshots   string
	Checkpoints string
}

func NewDynamo(client *dynamodb.Client, tables DynamoTables) *Dynamo {
	return &Dynamo{
		client:          client,
		eventsTable:     tables.Events,
		aggregatesTable: tables.Aggregates,
		snapshotsTable:  tables.Snapshots,
		checkpointTable: tables.Checkpoints,
		pageSize:        int32(defaultPageSize),
	}
}

type dynamoEvent struct {
	AggregateID string `dynamodbav:"aggregate_id"`
	Version     int64  `dynamodbav:"version"`
	ID          []byte `dynamodbav:"id"`
	Type        int64  `dynamodbav:"type"`
	Body        []byte `dynamodbav:"body,omitempty"`
	Meta        []byte `dynamodbav:"meta,omitempty"`
	Timestamp   int64  `dynamodbav:"ts"`
	Final       bool   `dynamodbav:"final"`
	GSI1PK      string `dynamodbav:"gsi1pk"`
	GSI1SK      string `dynamodbav:"gsi1sk"`
}

func (s *Dynamo) SaveEvents(ctx context.Context, req SaveEventsRequest) error {
	if req.Aggregate.Version == 0 {
		return fmt.Errorf("save events: claimed version must be >= 1")
	}
	if len(req.Events) == 0 {
		return fmt.Errorf("save events: empty batch")
	}

	key := req.Aggregate.ID.Base64()
	lastVersion := int64(req.Aggregate.Version) + int64(len(req.Events)) - 1
	items := make([]ddbtypes.TransactWriteItem, 0, len(req.Events)+1)

	if req.Aggregate.Version == 1 {
		items = append(items, ddbtypes.TransactWriteItem{
			Put: &ddbtypes.Put{
				TableName: aws.String(s.aggregatesTable),
				Item: map[string]ddbtypes.AttributeValue{
					"id":      &ddbtypes.AttributeValueMemberS{Value: key},
					"version": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(lastVersion, 10)},
					"ts":      &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(req.Timestamp.UnixMilli(), 10)},
					"final":   &ddbtypes.AttributeValueMemberBOOL{Value: false},
				},
				ConditionExpression: aws.String("attribute_not_exists(id)"),
			},
		})
	} else {
		items = append(items, ddbtypes.TransactWriteItem{
			Update: &ddbtypes.Update{
				TableName: aws.String(s.aggregatesTable),
				Key: map[string]ddbtypes.AttributeValue{
					"id": &ddbtypes.AttributeValueMemberS{Value: key},
				},
				UpdateExpression:    aws.String("SET #v = :v, #t = :t"),
				ConditionExpression: aws.String("#v = :prev AND #f = :false"),
				ExpressionAttributeNames: map[string]string{
					"#v": "version",
					"#t": "ts",
					"#f": "final",
				},
				ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
					":v":     &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(lastVersion, 10)},
					":t":     &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(req.Timestamp.UnixMilli(), 10)},
					":prev":  &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(int64(req.Aggregate.Version)-1, 10)},
					":false": &ddbtypes.AttributeValueMemberBOOL{Value: false},
				},
			},
		})
	}

	for _, ev := range req.Events {
		meta, err := encodeMeta(mergeBatchMeta(ev, req.Meta))
		if err != nil {
			return err
		}
		item := dynamoEvent{
			AggregateID: key,
			Version:     int64(ev.Aggregate.Version),
			ID:          ev.ID.Bytes(),
			Type:        int64(ev.Type),
			Body:        ev.Body,
			Meta:        meta,
			Timestamp:   ev.Timestamp.UnixMilli(),
			GSI1PK:      allEventsPartition,
			GSI1SK:      eventSortKey(key, ev.Aggregate.Version),
		}
		av, err := attributevalue.MarshalMap(item)
		if err != nil {
			return fmt.Errorf("marshal event item: %w", err)
		}
		items = append(items, ddbtypes.TransactWriteItem{
			Put: &ddbtypes.Put{
				TableName:           aws.String(s.eventsTable),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(aggregate_id)"),
			},
		})
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return s.classifyWriteError(ctx, err, req.Aggregate)
	}
	return nil
}

func eventSortKey(aggregateKey string, version uint32) string {
	return fmt.Sprintf("%s#%010d", aggregateKey, version)
}

func (s *Dynamo) classifyWriteError(ctx context.Context, err error, ref event.AggregateRef) error {
	var canceled *ddbtypes.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				if s.isFinal(ctx, ref.ID) {
					return &arqerr.FinalizedError{ID: ref.ID}
				}
				return &arqerr.VersionConflictError{ID: ref.ID, Version: ref.Version}
			}
		}
	}
	var conflict *ddbtypes.TransactionConflictException
	var throttled *ddbtypes.ProvisionedThroughputExceededException
	if errors.As(err, &conflict) || errors.As(err, &throttled) {
		return arqerr.Transient(err)
	}
	return err
}

func (s *Dynamo) isFinal(ctx context.Context, id event.AggregateID) bool {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.aggregatesTable),
		Key: map[string]ddbtypes.AttributeValue{
			"id": &ddbtypes.AttributeValueMemberS{Value: id.Base64()},
		},
	})
	if err != nil || out.Item == nil {
		return false
	}
	final, ok := out.Item["final"].(*ddbtypes.AttributeValueMemberBOOL)
	return ok && final.Value
}

func (s *Dynamo) ListEvents(ctx context.Context, q ListEventsQuery) (Iterator, error) {
	return &dynamoIterator{store: s, query: q}, nil
}

type dynamoIterator struct {
	store *Dynamo
	query ListEventsQuery

	done    bool
	lastKey map[string]ddbtypes.AttributeValue
	buffer  []*event.Event
	pos     int
}

func (it *dynamoIterator) Next(ctx context.Context) (*event.Event, error) {
	for it.pos >= len(it.buffer) && !it.done {
		if err := it.fetch(ctx); err != nil {
			return nil, err
		}
	}
	if it.pos >= len(it.buffer) {
		return nil, nil
	}
	ev := it.buffer[it.pos]
	it.pos++
	return ev, nil
}

func (it *dynamoIterator) fetch(ctx context.Context) error {
	input := &dynamodb.QueryInput{
		TableName:         aws.String(it.store.eventsTable),
		Limit:             aws.Int32(it.store.pageSize),
		ExclusiveStartKey: it.lastKey,
	}
	if it.query.Aggregate != nil {
		input.KeyConditionExpression = aws.String("aggregate_id = :aid AND #v > :lower")
		input.ExpressionAttributeNames = map[string]string{"#v": "version"}
		input.ExpressionAttributeValues = map[string]ddbtypes.AttributeValue{
			":aid":   &ddbtypes.AttributeValueMemberS{Value: it.query.Aggregate.ID.Base64()},
			":lower": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(int64(it.query.Aggregate.Version), 10)},
		}
	} else {
		input.IndexName = aws.String("gsi1")
		input.KeyConditionExpression = aws.String("gsi1pk = :pk")
		input.ExpressionAttributeValues = map[string]ddbtypes.AttributeValue{
			":pk": &ddbtypes.AttributeValueMemberS{Value: allEventsPartition},
		}
	}
	if it.query.Type != nil {
		input.FilterExpression = aws.String("#ty = :ty")
		if input.ExpressionAttributeNames == nil {
			input.ExpressionAttributeNames = map[string]string{}
		}
		input.ExpressionAttributeNames["#ty"] = "type"
		input.ExpressionAttributeValues[":ty"] = &ddbtypes.AttributeValueMemberN{
			Value: strconv.FormatInt(int64(*it.query.Type), 10),
		}
	}

	out, err := it.store.client.Query(ctx, input)
	if err != nil {
		return classifyDynamo(err)
	}

	it.buffer = it.buffer[:0]
	it.pos = 0
	for _, item := range out.Items {
		ev, err := unmarshalDynamoEvent(item)
		if err != nil {
			return err
		}
		it.buffer = append(it.buffer, ev)
	}
	it.lastKey = out.LastEvaluatedKey
	if out.LastEvaluatedKey == nil {
		it.done = true
	}
	return nil
}

func (it *dynamoIterator) Close() error {
	it.done = true
	it.buffer = nil
	return nil
}

func unmarshalDynamoEvent(item map[string]ddbtypes.AttributeValue) (*event.Event, error) {
	var raw dynamoEvent
	if err := attributevalue.UnmarshalMap(item, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal event item: %w", err)
	}
	id, err := event.IDFromBytes(raw.ID)
	if err != nil {
		return nil, err
	}
	aggID, err := event.ParseAggregateID(raw.AggregateID)
	if err != nil {
		return nil, err
	}
	meta, err := decodeMeta(raw.Meta)
	if err != nil {
		return nil, err
	}
	return &event.Event{
		ID:        id,
		Type:      uint32(raw.Type),
		Aggregate: event.AggregateRef{ID: aggID, Version: uint32(raw.Version)},
		Body:      raw.Body,
		Meta:      meta,
		Timestamp: time.UnixMilli(raw.Timestamp).UTC(),
	}, nil
}

func (s *Dynamo) FindLatestSnapshot(ctx context.Context, ref event.AggregateRef) (*event.Snapshot, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.snapshotsTable),
		KeyConditionExpression: aws.String("aggregate_id = :aid AND #v > :lower"),
		ExpressionAttributeNames: map[string]string{
			"#v": "version",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":aid":   &ddbtypes.AttributeValueMemberS{Value: ref.ID.Base64()},
			":lower": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(int64(ref.Version), 10)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return nil, classifyDynamo(err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	var raw struct {
		Version   int64  `dynamodbav:"version"`
		State     []byte `dynamodbav:"state"`
		Timestamp int64  `dynamodbav:"ts"`
	}
	if err := attributevalue.UnmarshalMap(out.Items[0], &raw); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot item: %w", err)
	}
	return &event.Snapshot{
		Aggregate: event.AggregateRef{ID: ref.ID, Version: uint32(raw.Version)},
		State:     raw.State,
		Timestamp: time.UnixMilli(raw.Timestamp).UTC(),
	}, nil
}

func (s *Dynamo) SaveSnapshot(ctx context.Context, snap event.Snapshot) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.snapshotsTable),
		Item: map[string]ddbtypes.AttributeValue{
			"aggregate_id": &ddbtypes.AttributeValueMemberS{Value: snap.Aggregate.ID.Base64()},
			"version":      &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(int64(snap.Aggregate.Version), 10)},
			"state":        &ddbtypes.AttributeValueMemberB{Value: snap.State},
			"ts":           &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(snap.Timestamp.UnixMilli(), 10)},
		},
	})
	return classifyDynamo(err)
}

func (s *Dynamo) SaveCheckpoint(ctx context.Context, cp event.Checkpoint) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.checkpointTable),
		Item: map[string]ddbtypes.AttributeValue{
			"projection":   &ddbtypes.AttributeValueMemberS{Value: cp.Projection},
			"aggregate_id": &ddbtypes.AttributeValueMemberS{Value: cp.Aggregate.ID.Base64()},
			"version":      &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(int64(cp.Aggregate.Version), 10)},
			"ts":           &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(cp.Timestamp.UnixMilli(), 10)},
		},
	})
	return classifyDynamo(err)
}

func (s *Dynamo) ShouldProcess(ctx context.Context, projection string, ref event.AggregateRef) (bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.checkpointTable),
		Key: map[string]ddbtypes.AttributeValue{
			"projection":   &ddbtypes.AttributeValueMemberS{Value: projection},
			"aggregate_id": &ddbtypes.AttributeValueMemberS{Value: ref.ID.Base64()},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, classifyDynamo(err)
	}
	if out.Item == nil {
		return true, nil
	}
	version, ok := out.Item["version"].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return true, nil
	}
	current, err := strconv.ParseInt(version.Value, 10, 64)
	if err != nil {
		return false, fmt.Errorf("parse checkpoint version: %w", err)
	}
	return uint32(current) < ref.Version, nil
}

func (s *Dynamo) FinalizeAggregate(ctx context.Context, id event.AggregateID) error {
	key := id.Base64()
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.aggregatesTable),
		Key: map[string]ddbtypes.AttributeValue{
			"id": &ddbtypes.AttributeValueMemberS{Value: key},
		},
		UpdateExpression: aws.String("SET #f = :true, #v = if_not_exists(#v, :zero), #t = if_not_exists(#t, :t)"),
		ExpressionAttributeNames: map[string]string{
			"#f": "final",
			"#v": "version",
			"#t": "ts",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":true": &ddbtypes.AttributeValueMemberBOOL{Value: true},
			":zero": &ddbtypes.AttributeValueMemberN{Value: "0"},
			":t":    &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().UnixMilli(), 10)},
		},
	})
	if err != nil {
		return classifyDynamo(err)
	}

	// Mark the events final one page at a time.
	it := &dynamoIterator{store: s, query: ListEventsQuery{Aggregate: &event.AggregateRef{ID: id}}}
	for {
		ev, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if ev == nil {
			return nil
		}
		_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.eventsTable),
			Key: map[string]ddbtypes.AttributeValue{
				"aggregate_id": &ddbtypes.AttributeValueMemberS{Value: key},
				"version":      &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(int64(ev.Aggregate.Version), 10)},
			},
			UpdateExpression:         aws.String("SET #f = :true"),
			ExpressionAttributeNames: map[string]string{"#f": "final"},
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":true": &ddbtypes.AttributeValueMemberBOOL{Value: true},
			},
		})
		if err != nil {
			return classifyDynamo(err)
		}
	}
}

func (s *Dynamo) Close() error {
	return nil
}

func classifyDynamo(err error) error {
	if err == nil {
		return nil
	}
	var throttled *ddbtypes.ProvisionedThroughputExceededException
	var conflict *ddbtypes.TransactionConflictException
	var internal *ddbtypes.InternalServerError
	if errors.As(err, &throttled) || errors.As(err, &conflict) || errors.As(err, &internal) {
		return arqerr.Transient(err)
	}
	return err
}
