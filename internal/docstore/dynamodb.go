package docstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBAPI is the subset of the DynamoDB client the engine uses.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBOptions configures the DynamoDB engine.
type DynamoDBOptions struct {
	Table       string
	Region      string
	EndpointURL string
}

// DynamoDBDatabase keeps all collections in one table keyed by
// (pk = collection, sk = _id). Each item stores the CBOR body plus a "d_"
// attribute per top-level scalar field so equality filters can be evaluated
// server-side.
type DynamoDBDatabase struct {
	client DynamoDBAPI
	table  string
}

const (
	dynamoBatchLimit  = 25
	dynamoFieldPrefix = "d_"
)

// OpenDynamoDB builds a client from the default AWS credential chain.
func OpenDynamoDB(ctx context.Context, opts DynamoDBOptions) (*DynamoDBDatabase, error) {
	if opts.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if opts.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(opts.EndpointURL)
	}
	return NewDynamoDBDatabase(dynamodb.NewFromConfig(awsCfg), opts.Table), nil
}

// NewDynamoDBDatabase wraps an existing client. Tests pass a mock.
func NewDynamoDBDatabase(client DynamoDBAPI, table string) *DynamoDBDatabase {
	return &DynamoDBDatabase{client: client, table: table}
}

func (d *DynamoDBDatabase) Collection(name string, opts CollectionOptions) Collection {
	return &DynamoDBCollection{d: d, name: name, opts: opts}
}

func (d *DynamoDBDatabase) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.table),
	})
	return err
}

func (d *DynamoDBDatabase) Close() error { return nil }

// DynamoDBCollection is a handle on one partition of the table.
type DynamoDBCollection struct {
	d    *DynamoDBDatabase
	name string
	opts CollectionOptions
}

func (c *DynamoDBCollection) Name() string { return c.name }

func (c *DynamoDBCollection) Clone(opts CollectionOptions) Collection {
	return &DynamoDBCollection{d: c.d, name: c.name, opts: opts}
}

// dynamoScalar converts a scalar field to an attribute value. Non-scalar
// values report false and are not projected.
func dynamoScalar(v any) (types.AttributeValue, bool) {
	switch x := v.(type) {
	case string:
		return &types.AttributeValueMemberS{Value: x}, true
	case bool:
		return &types.AttributeValueMemberBOOL{Value: x}, true
	case float64:
		return &types.AttributeValueMemberN{Value: strconv.FormatFloat(x, 'g', -1, 64)}, true
	case time.Time:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(x.UnixMilli(), 10)}, true
	}
	if n, ok := Int64(v); ok && typeRank(v) == rankNumber {
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}, true
	}
	return nil, false
}

func (c *DynamoDBCollection) toItem(doc Document) (map[string]types.AttributeValue, error) {
	body, err := encodeBody(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	item := map[string]types.AttributeValue{
		"pk":   &types.AttributeValueMemberS{Value: c.name},
		"sk":   &types.AttributeValueMemberS{Value: doc.ID()},
		"body": &types.AttributeValueMemberB{Value: body},
	}
	for k, v := range doc {
		if k == IDField {
			continue
		}
		if av, ok := dynamoScalar(v); ok {
			item[dynamoFieldPrefix+k] = av
		}
	}
	return item, nil
}

func fromItem(item map[string]types.AttributeValue) (Document, error) {
	b, ok := item["body"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("docstore: dynamodb item without body")
	}
	return decodeBody(b.Value)
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (c *DynamoDBCollection) InsertOne(ctx context.Context, sess Session, doc Document) (string, error) {
	stored, err := prepareInsert(doc)
	if err != nil {
		return "", err
	}
	item, err := c.toItem(stored)
	if err != nil {
		return "", err
	}
	_, err = c.d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(sk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return "", fmt.Errorf("%w: _id %q", ErrDuplicateKey, stored.ID())
		}
		return "", fmt.Errorf("putting item: %w", err)
	}
	return stored.ID(), nil
}

// filterExpression pushes down equality on top-level scalar fields. The rest
// of the filter is evaluated after decoding.
func filterExpression(f Filter) (string, map[string]string, map[string]types.AttributeValue) {
	var parts []string
	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	for i, cond := range f {
		if (cond.Op != OpEq && cond.Op != "") || strings.Contains(cond.Field, ".") || cond.Field == IDField {
			continue
		}
		av, ok := dynamoScalar(cond.Value)
		if !ok {
			continue
		}
		n, v := fmt.Sprintf("#f%d", i), fmt.Sprintf(":v%d", i)
		names[n] = dynamoFieldPrefix + cond.Field
		values[v] = av
		parts = append(parts, n+" = "+v)
	}
	return strings.Join(parts, " AND "), names, values
}

// query returns every item of the partition that passes the pushed-down
// part of filter, following LastEvaluatedKey.
func (c *DynamoDBCollection) query(ctx context.Context, filter Filter) ([]Document, error) {
	keyExpr := "pk = :pk"
	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: c.name},
	}
	// An _id equality narrows the key condition itself.
	for _, cond := range filter {
		if cond.Field == IDField && (cond.Op == OpEq || cond.Op == "") {
			if id, ok := cond.Value.(string); ok {
				keyExpr += " AND sk = :sk"
				values[":sk"] = &types.AttributeValueMemberS{Value: id}
				break
			}
		}
	}
	expr, names, fvalues := filterExpression(filter)
	for k, v := range fvalues {
		values[k] = v
	}

	var docs []Document
	var exclusiveStartKey map[string]types.AttributeValue
	for {
		input := &dynamodb.QueryInput{
			TableName:                 aws.String(c.d.table),
			KeyConditionExpression:    aws.String(keyExpr),
			ExpressionAttributeValues: values,
			ConsistentRead:            aws.Bool(c.opts.StrongReads()),
		}
		if expr != "" {
			input.FilterExpression = aws.String(expr)
			input.ExpressionAttributeNames = names
		}
		if exclusiveStartKey != nil {
			input.ExclusiveStartKey = exclusiveStartKey
		}

		resp, err := c.d.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("querying %s: %w", c.name, err)
		}
		for _, item := range resp.Items {
			doc, err := fromItem(item)
			if err != nil {
				return nil, err
			}
			if Matches(doc, filter) {
				docs = append(docs, doc)
			}
		}

		if resp.LastEvaluatedKey == nil {
			break
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}
	return docs, nil
}

func (c *DynamoDBCollection) Find(ctx context.Context, sess Session, filter Filter, opts *FindOptions) (Cursor, error) {
	if err := validateFilter(filter); err != nil {
		return nil, err
	}
	docs, err := c.query(ctx, filter)
	if err != nil {
		return nil, err
	}
	return NewSliceCursor(evaluate(docs, nil, opts)), nil
}

func (c *DynamoDBCollection) DeleteMany(ctx context.Context, sess Session, filter Filter) (int64, error) {
	if err := validateFilter(filter); err != nil {
		return 0, err
	}
	docs, err := c.query(ctx, filter)
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID()
	}
	if err := c.batchDelete(ctx, ids); err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// batchDelete removes items in groups of 25, resubmitting unprocessed items.
func (c *DynamoDBCollection) batchDelete(ctx context.Context, ids []string) error {
	for i := 0; i < len(ids); i += dynamoBatchLimit {
		end := i + dynamoBatchLimit
		if end > len(ids) {
			end = len(ids)
		}
		var writeRequests []types.WriteRequest
		for _, id := range ids[i:end] {
			writeRequests = append(writeRequests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{
						"pk": &types.AttributeValueMemberS{Value: c.name},
						"sk": &types.AttributeValueMemberS{Value: id},
					},
				},
			})
		}
		pending := map[string][]types.WriteRequest{c.d.table: writeRequests}
		for len(pending) > 0 {
			resp, err := c.d.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: pending,
			})
			if err != nil {
				return fmt.Errorf("deleting items: %w", err)
			}
			pending = resp.UnprocessedItems
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *DynamoDBCollection) UpdateOne(ctx context.Context, sess Session, filter Filter, update Update) (int64, error) {
	if err := validateFilter(filter); err != nil {
		return 0, err
	}
	if err := checkDocument(update.Set); err != nil {
		return 0, err
	}
	if _, ok := update.Set[IDField]; ok {
		return 0, fmt.Errorf("docstore: _id cannot be updated")
	}
	docs, err := c.query(ctx, filter)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	doc := docs[0]
	for k, v := range update.Set {
		setPath(doc, k, normalizeValue(cloneValue(v)))
	}
	item, err := c.toItem(doc)
	if err != nil {
		return 0, err
	}
	_, err = c.d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(sk)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("putting item: %w", err)
	}
	return 1, nil
}

// Drop deletes every item of the collection's partition.
func (c *DynamoDBCollection) Drop(ctx context.Context, sess Session) error {
	docs, err := c.query(ctx, nil)
	if err != nil {
		return err
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID()
	}
	return c.batchDelete(ctx, ids)
}

var (
	_ Collection  = (*DynamoDBCollection)(nil)
	_ Dropper     = (*DynamoDBCollection)(nil)
	_ Database    = (*DynamoDBDatabase)(nil)
	_ DynamoDBAPI = (*dynamodb.Client)(nil)
)
