package configstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type DynamoDBAPI interface {
	GetItem(
		context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options),
	) (*dynamodb.GetItemOutput, error)
	PutItem(
		context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options),
	) (*dynamodb.PutItemOutput, error)
	Query(
		context.Context, *dynamodb.QueryInput, ...func(*dynamodb.Options),
	) (*dynamodb.QueryOutput, error)
	UpdateItem(
		context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options),
	) (*dynamodb.UpdateItemOutput, error)
}

// DynamoTable implements Table on a single DynamoDB table keyed by the string
// attributes pk (hash) and sk (range).
type DynamoTable struct {
	Client    DynamoDBAPI
	TableName string
}

// NewDynamoTable creates a table client from cfg. A non-empty endpoint
// replaces the service endpoint, as when running against DynamoDB Local.
func NewDynamoTable(cfg aws.Config, tableName, endpoint string) *DynamoTable {
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &DynamoTable{Client: client, TableName: tableName}
}

func (t *DynamoTable) Get(ctx context.Context, key Key, out any) error {
	k, err := attributevalue.MarshalMap(key)
	if err != nil {
		return fmt.Errorf("marshaling key %s/%s: %w", key.PK, key.SK, err)
	}

	output, err := t.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.TableName),
		Key:            k,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("getting %s/%s: %w", key.PK, key.SK, err)
	} else if len(output.Item) == 0 {
		return ErrNotFound
	} else if err = attributevalue.UnmarshalMap(output.Item, out); err != nil {
		return fmt.Errorf("unmarshaling %s/%s: %w", key.PK, key.SK, err)
	}
	return nil
}

func (t *DynamoTable) Put(ctx context.Context, item any) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}

	_, err = t.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(t.TableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("putting item: %w", err)
	}
	return nil
}

func (t *DynamoTable) Query(ctx context.Context, q Query, out any) error {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(t.TableName),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: q.PK},
		},
		ScanIndexForward: aws.Bool(!q.Descending),
	}
	if q.SKPrefix != "" {
		input.KeyConditionExpression = aws.String(
			"pk = :pk AND begins_with(sk, :prefix)",
		)
		input.ExpressionAttributeValues[":prefix"] = &types.AttributeValueMemberS{
			Value: q.SKPrefix,
		}
	}
	if q.Limit > 0 {
		input.Limit = aws.Int32(q.Limit)
	}

	var items []map[string]types.AttributeValue
	for {
		output, err := t.Client.Query(ctx, input)
		if err != nil {
			return fmt.Errorf("querying %s: %w", q.PK, err)
		}
		items = append(items, output.Items...)

		if q.Limit > 0 && int32(len(items)) >= q.Limit {
			items = items[:q.Limit]
			break
		} else if len(output.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = output.LastEvaluatedKey
	}

	if err := attributevalue.UnmarshalListOfMaps(items, out); err != nil {
		return fmt.Errorf("unmarshaling %s query results: %w", q.PK, err)
	}
	return nil
}

func (t *DynamoTable) Update(
	ctx context.Context, key Key, attrs map[string]any,
) error {
	if len(attrs) == 0 {
		return nil
	}
	k, err := attributevalue.MarshalMap(key)
	if err != nil {
		return fmt.Errorf("marshaling key %s/%s: %w", key.PK, key.SK, err)
	}

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	exprNames := map[string]string{}
	exprValues := map[string]types.AttributeValue{}
	sets := make([]string, 0, len(names))

	for i, name := range names {
		n, v := "#a"+strconv.Itoa(i), ":v"+strconv.Itoa(i)
		av, err := attributevalue.Marshal(attrs[name])
		if err != nil {
			return fmt.Errorf("marshaling attribute %s: %w", name, err)
		}
		exprNames[n] = name
		exprValues[v] = av
		sets = append(sets, n+" = "+v)
	}

	_, err = t.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(t.TableName),
		Key:                       k,
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("attribute_exists(pk)"),
		ExpressionAttributeNames:  exprNames,
		ExpressionAttributeValues: exprValues,
	})

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("updating %s/%s: %w", key.PK, key.SK, err)
	}
	return nil
}
