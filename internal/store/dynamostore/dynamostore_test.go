package dynamostore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/mailtide/jmap-api/internal/store"
)

// mockClient is a test double for the DynamoDB operations the store uses.
type mockClient struct {
	getItemFunc            func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	queryFunc              func(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	putItemFunc            func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	deleteItemFunc         func(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	transactWriteItemsFunc func(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

func (m *mockClient) GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getItemFunc != nil {
		return m.getItemFunc(ctx, input, opts...)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockClient) Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, input, opts...)
	}
	return &dynamodb.QueryOutput{}, nil
}

func (m *mockClient) PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFunc != nil {
		return m.putItemFunc(ctx, input, opts...)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockClient) DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if m.deleteItemFunc != nil {
		return m.deleteItemFunc(ctx, input, opts...)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *mockClient) TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if m.transactWriteItemsFunc != nil {
		return m.transactWriteItemsFunc(ctx, input, opts...)
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func TestGetOneUnmarshalsRecord(t *testing.T) {
	mock := &mockClient{
		getItemFunc: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			if got := stringAttr(input.Key, "pk"); got != "ACCOUNT#user-1" {
				t.Errorf("pk = %q, want ACCOUNT#user-1", got)
			}
			if got := stringAttr(input.Key, "sk"); got != "OBJ#Mailbox#inbox" {
				t.Errorf("sk = %q, want OBJ#Mailbox#inbox", got)
			}
			return &dynamodb.GetItemOutput{
				Item: map[string]types.AttributeValue{
					"pk":           &types.AttributeValueMemberS{Value: "ACCOUNT#user-1"},
					"sk":           &types.AttributeValueMemberS{Value: "OBJ#Mailbox#inbox"},
					"props":        &types.AttributeValueMemberS{Value: `{"name":"Inbox","sortOrder":0}`},
					"modSeq":       &types.AttributeValueMemberN{Value: "4"},
					"countsModSeq": &types.AttributeValueMemberN{Value: "7"},
					"createdSeq":   &types.AttributeValueMemberN{Value: "1"},
					"active":       &types.AttributeValueMemberBOOL{Value: true},
				},
			}, nil
		},
	}

	rec, err := New(mock, "test-table").GetOne(context.Background(), "user-1", store.KindMailbox, "inbox")
	if err != nil {
		t.Fatalf("GetOne() error = %v", err)
	}
	if rec.ID != "inbox" || rec.String("name") != "Inbox" {
		t.Errorf("record = %+v", rec)
	}
	if rec.ModSeq != 4 || rec.Created != 1 || !rec.Active {
		t.Errorf("sequence fields = %+v", rec)
	}
	if rec.Changed() != 7 {
		t.Errorf("Changed() = %d, want countsModSeq 7", rec.Changed())
	}
}

func TestGetOneNotFound(t *testing.T) {
	_, err := New(&mockClient{}, "test-table").GetOne(context.Background(), "user-1", store.KindEmail, "m1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestCreateBumpsStateInOneTransaction(t *testing.T) {
	var transacted *dynamodb.TransactWriteItemsInput
	mock := &mockClient{
		getItemFunc: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			// The state counter read.
			return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
				"currentState": &types.AttributeValueMemberN{Value: "5"},
			}}, nil
		},
		transactWriteItemsFunc: func(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			transacted = input
			return &dynamodb.TransactWriteItemsOutput{}, nil
		},
	}

	rec, err := New(mock, "test-table").Create(context.Background(), "user-1", store.KindEmail, "m1", map[string]any{"subject": "hi"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rec.ModSeq != 6 || rec.Created != 6 || !rec.Active {
		t.Errorf("record = %+v, want modseq 6", rec)
	}

	if transacted == nil || len(transacted.TransactItems) != 2 {
		t.Fatalf("transaction = %+v, want record put + state put", transacted)
	}
	recordItem := transacted.TransactItems[0].Put.Item
	if got := stringAttr(recordItem, "sk"); got != "OBJ#Email#m1" {
		t.Errorf("record sk = %q", got)
	}
	stateItem := transacted.TransactItems[1].Put.Item
	if got := stringAttr(stateItem, "sk"); got != "STATE#Email" {
		t.Errorf("state sk = %q", got)
	}
	if v, ok := stateItem["currentState"].(*types.AttributeValueMemberN); !ok || v.Value != "6" {
		t.Errorf("currentState = %v, want 6", stateItem["currentState"])
	}
}

func TestUpdatePatchRemovesNilKeys(t *testing.T) {
	var written map[string]types.AttributeValue
	mock := &mockClient{
		getItemFunc: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			if stringAttr(input.Key, "sk") == "STATE#Email" {
				return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
					"currentState": &types.AttributeValueMemberN{Value: "2"},
				}}, nil
			}
			return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
				"sk":     &types.AttributeValueMemberS{Value: "OBJ#Email#m1"},
				"props":  &types.AttributeValueMemberS{Value: `{"subject":"hi","draft":true}`},
				"modSeq": &types.AttributeValueMemberN{Value: "1"},
				"active": &types.AttributeValueMemberBOOL{Value: true},
			}}, nil
		},
		transactWriteItemsFunc: func(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
			written = input.TransactItems[0].Put.Item
			return &dynamodb.TransactWriteItemsOutput{}, nil
		},
	}

	rec, err := New(mock, "test-table").Update(context.Background(), "user-1", store.KindEmail, "m1",
		map[string]any{"subject": "hello", "draft": nil}, false)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if rec.String("subject") != "hello" {
		t.Errorf("subject = %q", rec.String("subject"))
	}
	if _, stillThere := rec.Properties["draft"]; stillThere {
		t.Error("nil patch value should remove the key")
	}
	if rec.ModSeq != 3 {
		t.Errorf("ModSeq = %d, want 3", rec.ModSeq)
	}
	if written == nil {
		t.Fatal("no record written")
	}
}

func TestUpdateCountsOnlyLeavesModSeq(t *testing.T) {
	mock := &mockClient{
		getItemFunc: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			if stringAttr(input.Key, "sk") == "STATE#Mailbox" {
				return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
					"currentState": &types.AttributeValueMemberN{Value: "8"},
				}}, nil
			}
			return &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
				"sk":     &types.AttributeValueMemberS{Value: "OBJ#Mailbox#inbox"},
				"props":  &types.AttributeValueMemberS{Value: `{"totalEmails":1}`},
				"modSeq": &types.AttributeValueMemberN{Value: "2"},
				"active": &types.AttributeValueMemberBOOL{Value: true},
			}}, nil
		},
	}

	rec, err := New(mock, "test-table").Update(context.Background(), "user-1", store.KindMailbox, "inbox",
		map[string]any{"totalEmails": 2.0}, true)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if rec.ModSeq != 2 || rec.CountsModSeq != 9 {
		t.Errorf("modSeq = %d countsModSeq = %d, want 2 and 9", rec.ModSeq, rec.CountsModSeq)
	}
}

func TestSuperlockRetriesThenReleases(t *testing.T) {
	attempts := 0
	var deleted *dynamodb.DeleteItemInput
	mock := &mockClient{
		putItemFunc: func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			attempts++
			if attempts == 1 {
				return nil, &types.ConditionalCheckFailedException{}
			}
			if got := stringAttr(input.Item, "sk"); got != "LOCK#Email" {
				t.Errorf("lock sk = %q", got)
			}
			return &dynamodb.PutItemOutput{}, nil
		},
		deleteItemFunc: func(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
			deleted = input
			return &dynamodb.DeleteItemOutput{}, nil
		},
	}

	release, err := New(mock, "test-table").BeginSuperlock(context.Background(), "user-1", store.KindEmail)
	if err != nil {
		t.Fatalf("BeginSuperlock() error = %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want a retry after the conditional failure", attempts)
	}

	release()
	if deleted == nil {
		t.Fatal("release did not delete the lock item")
	}
	if stringAttr(deleted.Key, "sk") != "LOCK#Email" {
		t.Errorf("deleted sk = %q", stringAttr(deleted.Key, "sk"))
	}
}

func TestGetBlobMissing(t *testing.T) {
	_, err := New(&mockClient{}, "test-table").GetBlob(context.Background(), "user-1", "b1")
	if !errors.Is(err, store.ErrBlobNotFound) {
		t.Errorf("error = %v, want ErrBlobNotFound", err)
	}
}

func TestPurgeDestroyedAdvancesHorizon(t *testing.T) {
	var deletedKeys []string
	var metaWritten *dynamodb.PutItemInput
	mock := &mockClient{
		queryFunc: func(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{
				{
					"sk":     &types.AttributeValueMemberS{Value: "OBJ#Email#old"},
					"props":  &types.AttributeValueMemberS{Value: `{}`},
					"modSeq": &types.AttributeValueMemberN{Value: "3"},
					"active": &types.AttributeValueMemberBOOL{Value: false},
				},
				{
					"sk":     &types.AttributeValueMemberS{Value: "OBJ#Email#live"},
					"props":  &types.AttributeValueMemberS{Value: `{}`},
					"modSeq": &types.AttributeValueMemberN{Value: "4"},
					"active": &types.AttributeValueMemberBOOL{Value: true},
				},
				{
					"sk":     &types.AttributeValueMemberS{Value: "OBJ#Email#recent"},
					"props":  &types.AttributeValueMemberS{Value: `{}`},
					"modSeq": &types.AttributeValueMemberN{Value: "9"},
					"active": &types.AttributeValueMemberBOOL{Value: false},
				},
			}}, nil
		},
		deleteItemFunc: func(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
			deletedKeys = append(deletedKeys, stringAttr(input.Key, "sk"))
			return &dynamodb.DeleteItemOutput{}, nil
		},
		putItemFunc: func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			metaWritten = input
			return &dynamodb.PutItemOutput{}, nil
		},
	}

	if err := New(mock, "test-table").PurgeDestroyed(context.Background(), "user-1", 5); err != nil {
		t.Fatalf("PurgeDestroyed() error = %v", err)
	}
	if len(deletedKeys) != 1 || deletedKeys[0] != "OBJ#Email#old" {
		t.Errorf("deleted = %v, want only the expired tombstone", deletedKeys)
	}
	if metaWritten == nil {
		t.Fatal("horizon not written")
	}
	if v, ok := metaWritten.Item["deletedModSeq"].(*types.AttributeValueMemberN); !ok || v.Value != "5" {
		t.Errorf("deletedModSeq = %v, want 5", metaWritten.Item["deletedModSeq"])
	}
}
