//go:build small_tests || all_tests

package configstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"
)

type TestDynamoDB struct {
	getInput    *dynamodb.GetItemInput
	getOutput   *dynamodb.GetItemOutput
	putInput    *dynamodb.PutItemInput
	queryInputs []dynamodb.QueryInput
	queryPages  []*dynamodb.QueryOutput
	updateInput *dynamodb.UpdateItemInput
	returnErr   error
	updateErr   error
}

func (db *TestDynamoDB) GetItem(
	_ context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options),
) (*dynamodb.GetItemOutput, error) {
	db.getInput = input
	return db.getOutput, db.returnErr
}

func (db *TestDynamoDB) PutItem(
	_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options),
) (*dynamodb.PutItemOutput, error) {
	db.putInput = input
	return &dynamodb.PutItemOutput{}, db.returnErr
}

func (db *TestDynamoDB) Query(
	_ context.Context, input *dynamodb.QueryInput, _ ...func(*dynamodb.Options),
) (*dynamodb.QueryOutput, error) {
	db.queryInputs = append(db.queryInputs, *input)
	if db.returnErr != nil {
		return nil, db.returnErr
	}
	page := db.queryPages[0]
	db.queryPages = db.queryPages[1:]
	return page, nil
}

func (db *TestDynamoDB) UpdateItem(
	_ context.Context, input *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options),
) (*dynamodb.UpdateItemOutput, error) {
	db.updateInput = input
	return &dynamodb.UpdateItemOutput{}, db.updateErr
}

func historyAV(rules string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk":            &types.AttributeValueMemberS{Value: historyPK},
		"sk":            &types.AttributeValueMemberS{Value: historySKPrefix + rules},
		"routing_rules": &types.AttributeValueMemberS{Value: rules},
		"archived_at":   &types.AttributeValueMemberS{Value: "2026-10-01T12:00:00Z"},
	}
}

func TestDynamoTableGet(t *testing.T) {
	setup := func() (*TestDynamoDB, *DynamoTable, context.Context) {
		db := &TestDynamoDB{getOutput: &dynamodb.GetItemOutput{}}
		return db, &DynamoTable{Client: db, TableName: "routing"}, context.Background()
	}

	t.Run("Succeeds", func(t *testing.T) {
		db, table, ctx := setup()
		db.getOutput.Item = map[string]types.AttributeValue{
			"pk":            &types.AttributeValueMemberS{Value: configPK},
			"sk":            &types.AttributeValueMemberS{Value: configSK},
			"routing_rules": &types.AttributeValueMemberS{Value: "rules"},
			"enabled":       &types.AttributeValueMemberBOOL{Value: true},
			"updated_at":    &types.AttributeValueMemberS{Value: "2026-10-01T12:00:00Z"},
		}
		item := &configItem{}

		err := table.Get(ctx, Key{configPK, configSK}, item)

		assert.NilError(t, err)
		assert.Equal(t, "rules", item.RulesText)
		assert.Equal(t, true, item.Enabled)
		assert.Equal(t, "routing", *db.getInput.TableName)
		assert.Equal(t, true, *db.getInput.ConsistentRead)
		pk := db.getInput.Key["pk"].(*types.AttributeValueMemberS)
		assert.Equal(t, configPK, pk.Value)
	})

	t.Run("ReturnsNotFoundIfNoItem", func(t *testing.T) {
		_, table, ctx := setup()

		err := table.Get(ctx, Key{configPK, configSK}, &configItem{})

		assert.Equal(t, ErrNotFound, err)
	})

	t.Run("ErrorsIfGetItemFails", func(t *testing.T) {
		db, table, ctx := setup()
		db.returnErr = errors.New("DynamoDB test error")

		err := table.Get(ctx, Key{configPK, configSK}, &configItem{})

		assert.ErrorContains(
			t, err, "getting CONFIG/routing_prompt: DynamoDB test error",
		)
	})
}

func TestDynamoTablePut(t *testing.T) {
	db := &TestDynamoDB{}
	table := &DynamoTable{Client: db, TableName: "routing"}

	err := table.Put(context.Background(), &apiKeyItem{
		apiKeyPK,
		APIKeyRecord{KeyHash: "abc", KeyName: "ci", Permissions: []string{"all"}},
	})

	assert.NilError(t, err)
	item := db.putInput.Item
	assert.Equal(t, "abc", item["sk"].(*types.AttributeValueMemberS).Value)
	assert.DeepEqual(
		t, []string{"all"}, item["permissions"].(*types.AttributeValueMemberSS).Value,
	)
	_, hasExpiry := item["expires_at"]
	assert.Assert(t, !hasExpiry)
}

func TestDynamoTableQuery(t *testing.T) {
	t.Run("BuildsPrefixQueryInDescendingOrder", func(t *testing.T) {
		db := &TestDynamoDB{queryPages: []*dynamodb.QueryOutput{
			{Items: []map[string]types.AttributeValue{historyAV("b"), historyAV("a")}},
		}}
		table := &DynamoTable{Client: db, TableName: "routing"}
		var items []historyItem

		err := table.Query(context.Background(), Query{
			PK: historyPK, SKPrefix: historySKPrefix, Limit: 5, Descending: true,
		}, &items)

		assert.NilError(t, err)
		assert.Equal(t, 2, len(items))
		assert.Equal(t, "b", items[0].RulesText)
		input := db.queryInputs[0]
		assert.Equal(
			t, "pk = :pk AND begins_with(sk, :prefix)", *input.KeyConditionExpression,
		)
		assert.Equal(t, false, *input.ScanIndexForward)
		assert.Equal(t, int32(5), *input.Limit)
	})

	t.Run("FollowsPagesUntilLimit", func(t *testing.T) {
		lastKey := map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: historyPK},
		}
		db := &TestDynamoDB{queryPages: []*dynamodb.QueryOutput{
			{Items: []map[string]types.AttributeValue{historyAV("c")}, LastEvaluatedKey: lastKey},
			{Items: []map[string]types.AttributeValue{historyAV("b"), historyAV("a")}, LastEvaluatedKey: lastKey},
		}}
		table := &DynamoTable{Client: db, TableName: "routing"}
		var items []historyItem

		err := table.Query(
			context.Background(), Query{PK: historyPK, Limit: 2}, &items,
		)

		assert.NilError(t, err)
		assert.Equal(t, 2, len(items))
		assert.Equal(t, 2, len(db.queryInputs))
		startKey := db.queryInputs[1].ExclusiveStartKey
		assert.Equal(t, 1, len(startKey))
		pk, ok := startKey["pk"].(*types.AttributeValueMemberS)
		assert.Assert(t, ok, "pk: %#v", startKey["pk"])
		assert.Equal(t, historyPK, pk.Value)
		assert.Equal(t, "pk = :pk", *db.queryInputs[0].KeyConditionExpression)
	})

	t.Run("ErrorsIfQueryFails", func(t *testing.T) {
		db := &TestDynamoDB{returnErr: errors.New("DynamoDB test error")}
		table := &DynamoTable{Client: db, TableName: "routing"}
		var items []historyItem

		err := table.Query(context.Background(), Query{PK: historyPK}, &items)

		assert.ErrorContains(t, err, "querying HISTORY: DynamoDB test error")
	})
}

func TestDynamoTableUpdate(t *testing.T) {
	t.Run("BuildsSetExpression", func(t *testing.T) {
		db := &TestDynamoDB{}
		table := &DynamoTable{Client: db, TableName: "routing"}

		err := table.Update(context.Background(), Key{apiKeyPK, "abc"}, map[string]any{
			"is_active": false, "key_name": "renamed",
		})

		assert.NilError(t, err)
		input := db.updateInput
		assert.Equal(t, "SET #a0 = :v0, #a1 = :v1", *input.UpdateExpression)
		assert.Equal(t, "is_active", input.ExpressionAttributeNames["#a0"])
		assert.Equal(t, "key_name", input.ExpressionAttributeNames["#a1"])
		assert.Equal(t, "attribute_exists(pk)", aws.ToString(input.ConditionExpression))
	})

	t.Run("ReturnsNotFoundIfConditionFails", func(t *testing.T) {
		db := &TestDynamoDB{updateErr: &types.ConditionalCheckFailedException{}}
		table := &DynamoTable{Client: db, TableName: "routing"}

		err := table.Update(
			context.Background(), Key{apiKeyPK, "abc"}, map[string]any{"is_active": false},
		)

		assert.Equal(t, ErrNotFound, err)
	})

	t.Run("DoesNothingWithoutAttributes", func(t *testing.T) {
		db := &TestDynamoDB{}
		table := &DynamoTable{Client: db, TableName: "routing"}

		err := table.Update(context.Background(), Key{apiKeyPK, "abc"}, nil)

		assert.NilError(t, err)
		assert.Assert(t, is.Nil(db.updateInput))
	})
}
