// ABOUTME: DynamoDB implementation of the Storage Gateway using aws-sdk-go-v2
// ABOUTME: Collection is the partition key, record key the sort key; CAS uses condition expressions

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Attribute names of a record item.
const (
	attrCollection = "collection"
	attrKey        = "key"
	attrValue      = "value"
	attrVersion    = "version"
	attrStatus     = "status"
	attrRef        = "ref"
	attrAt         = "at"
	attrUpdatedAt  = "updatedAt"

	pingCollection = "_ping"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore implements Gateway on a single DynamoDB table.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	logger    *slog.Logger
}

// DynamoOptions configures NewDynamoStoreFromConfig.
type DynamoOptions struct {
	Table    string
	Region   string
	Endpoint string // overrides the service endpoint, e.g. DynamoDB Local
}

// NewDynamoStore wraps an existing DynamoDB client.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("store: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("store: dynamodb table name must not be empty")
	}
	return &DynamoStore{
		api:       api,
		tableName: tableName,
		logger:    slog.Default().With("component", "store", "backend", "dynamodb"),
	}, nil
}

// NewDynamoStoreFromConfig builds a client from the default AWS credential chain.
func NewDynamoStoreFromConfig(ctx context.Context, opts DynamoOptions) (*DynamoStore, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return NewDynamoStore(client, opts.Table)
}

func itemKey(collection Collection, key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrCollection: &types.AttributeValueMemberS{Value: string(collection)},
		attrKey:        &types.AttributeValueMemberS{Value: key},
	}
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

// Get retrieves a record by collection and key.
func (s *DynamoStore) Get(ctx context.Context, collection Collection, key string) (*Record, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            itemKey(collection, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("store: get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return itemToRecord(out.Item)
}

// Put upserts a record and atomically bumps its version.
func (s *DynamoStore) Put(ctx context.Context, rec *Record) (int64, error) {
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              itemKey(rec.Collection, rec.Key),
		UpdateExpression: aws.String("SET #val = :val, #st = :st, #ref = :ref, #at = :at, #u = :u ADD #ver :one"),
		ExpressionAttributeNames: map[string]string{
			"#val": attrValue,
			"#st":  attrStatus,
			"#ref": attrRef,
			"#at":  attrAt,
			"#u":   attrUpdatedAt,
			"#ver": attrVersion,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":val": &types.AttributeValueMemberB{Value: rec.Value},
			":st":  &types.AttributeValueMemberS{Value: rec.Index.Status},
			":ref": &types.AttributeValueMemberS{Value: rec.Index.Ref},
			":at":  numAttr(toMillis(rec.Index.At)),
			":u":   numAttr(time.Now().UnixMilli()),
			":one": numAttr(1),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("store: update item: %w", err)
	}
	v, err := int64Attr(out.Attributes, attrVersion)
	if err != nil {
		return 0, fmt.Errorf("store: update item: %w", err)
	}
	return v, nil
}

// CompareAndSwap writes rec only if the stored version equals expected.
func (s *DynamoStore) CompareAndSwap(ctx context.Context, rec *Record, expected int64) (int64, error) {
	next := expected + 1
	item := recordToItem(rec, next)

	in := &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}
	if expected == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(#k)")
		in.ExpressionAttributeNames = map[string]string{"#k": attrKey}
	} else {
		in.ConditionExpression = aws.String("#ver = :expected")
		in.ExpressionAttributeNames = map[string]string{"#ver": attrVersion}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": numAttr(expected),
		}
	}

	_, err := s.api.PutItem(ctx, in)
	if err == nil {
		return next, nil
	}

	var cfe *types.ConditionalCheckFailedException
	if !errors.As(err, &cfe) {
		return 0, fmt.Errorf("store: put item: %w", err)
	}
	if expected == 0 {
		return 0, ErrConflict
	}
	// The condition also fails when the item is gone entirely
	if _, err := s.Get(ctx, rec.Collection, rec.Key); err != nil {
		return 0, err
	}
	return 0, ErrConflict
}

// List queries the collection partition and filters on the index attributes.
func (s *DynamoStore) List(ctx context.Context, collection Collection, f ListFilter) ([]*Record, error) {
	names := map[string]string{"#c": attrCollection}
	values := map[string]types.AttributeValue{
		":c": &types.AttributeValueMemberS{Value: string(collection)},
	}

	var conds []string
	if len(f.Status) > 0 {
		names["#st"] = attrStatus
		placeholders := make([]string, len(f.Status))
		for i, st := range f.Status {
			p := ":st" + strconv.Itoa(i)
			placeholders[i] = p
			values[p] = &types.AttributeValueMemberS{Value: st}
		}
		conds = append(conds, "#st IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.Ref != "" {
		names["#ref"] = attrRef
		values[":ref"] = &types.AttributeValueMemberS{Value: f.Ref}
		conds = append(conds, "#ref = :ref")
	}
	if !f.AtBefore.IsZero() {
		names["#at"] = attrAt
		values[":zero"] = numAttr(0)
		values[":before"] = numAttr(toMillis(f.AtBefore))
		conds = append(conds, "#at > :zero AND #at <= :before")
	}

	in := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    aws.String("#c = :c"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
	}
	if len(conds) > 0 {
		in.FilterExpression = aws.String(strings.Join(conds, " AND "))
	}

	var out []*Record
	for {
		page, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("store: query: %w", err)
		}
		for _, item := range page.Items {
			rec, err := itemToRecord(item)
			if err != nil {
				return nil, err
			}
			if f.matches(rec) {
				out = append(out, rec)
			}
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
	return f.sortAndLimit(out), nil
}

// Ping reads a sentinel key; a missing item still proves the table answers.
func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       itemKey(pingCollection, "ping"),
	})
	if err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no connections that need releasing.
func (s *DynamoStore) Close() error {
	s.logger.Info("closing DynamoDB store")
	return nil
}

func recordToItem(rec *Record, version int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrCollection: &types.AttributeValueMemberS{Value: string(rec.Collection)},
		attrKey:        &types.AttributeValueMemberS{Value: rec.Key},
		attrValue:      &types.AttributeValueMemberB{Value: rec.Value},
		attrVersion:    numAttr(version),
		attrStatus:     &types.AttributeValueMemberS{Value: rec.Index.Status},
		attrRef:        &types.AttributeValueMemberS{Value: rec.Index.Ref},
		attrAt:         numAttr(toMillis(rec.Index.At)),
		attrUpdatedAt:  numAttr(time.Now().UnixMilli()),
	}
}

func itemToRecord(item map[string]types.AttributeValue) (*Record, error) {
	collection, err := strAttr(item, attrCollection)
	if err != nil {
		return nil, err
	}
	key, err := strAttr(item, attrKey)
	if err != nil {
		return nil, err
	}
	b, ok := item[attrValue].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("store: attribute %q is not binary", attrValue)
	}
	version, err := int64Attr(item, attrVersion)
	if err != nil {
		return nil, err
	}
	status, _ := strAttr(item, attrStatus) // allow empty
	ref, _ := strAttr(item, attrRef)       // allow empty
	at, _ := int64Attr(item, attrAt)
	updated, _ := int64Attr(item, attrUpdatedAt)

	return &Record{
		Collection: Collection(collection),
		Key:        key,
		Value:      b.Value,
		Version:    version,
		Index:      Index{Status: status, Ref: ref, At: fromMillis(at)},
		UpdatedAt:  time.UnixMilli(updated).UTC(),
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("store: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("store: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("store: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("store: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

// Ensure DynamoStore implements Gateway
var _ Gateway = (*DynamoStore)(nil)
