// Package dynamostore implements the backing store on a single DynamoDB
// table. Every item lives under pk "ACCOUNT#<accountId>"; the sort key
// separates object rows, per-type state counters, per-type write locks, the
// account meta item, and blobs.
package dynamostore

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
	"github.com/google/uuid"

	"github.com/mailtide/jmap-api/internal/store"
)

// Sort key prefixes for the single-table layout.
const (
	prefixAccount = "ACCOUNT#"
	prefixObject  = "OBJ#"
	prefixState   = "STATE#"
	prefixLock    = "LOCK#"
	prefixBlob    = "BLOB#"
	skMeta        = "META"
)

// Item attribute names.
const (
	attrPK            = "pk"
	attrSK            = "sk"
	attrProps         = "props"
	attrModSeq        = "modSeq"
	attrCountsModSeq  = "countsModSeq"
	attrCreatedSeq    = "createdSeq"
	attrActive        = "active"
	attrCurrentState  = "currentState"
	attrDeletedModSeq = "deletedModSeq"
	attrUpdatedAt     = "updatedAt"
	attrOwner         = "owner"
	attrExpiresAt     = "expiresAt"
	attrData          = "data"
)

const (
	// lockTTL bounds how long a crashed writer can wedge an account.
	lockTTL = 30 * time.Second
	// lockRetryInterval paces conditional-put retries while waiting for the
	// current holder to finish.
	lockRetryInterval = 50 * time.Millisecond
)

// DynamoDBClient is the subset of the DynamoDB API the store uses.
type DynamoDBClient interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Syncer pulls folders, mail, calendars, and addressbooks from the external
// mail source into the table.
type Syncer interface {
	SyncFolders(ctx context.Context, accountID string) error
	SyncMail(ctx context.Context, accountID string) error
	SyncCalendars(ctx context.Context, accountID string) error
	SyncAddressbooks(ctx context.Context, accountID string) error
}

// Searcher answers full-text queries from an external index.
type Searcher interface {
	SearchMail(ctx context.Context, accountID, field, term string) (map[string]bool, error)
}

// Store is a store.Store backed by DynamoDB.
type Store struct {
	client    DynamoDBClient
	tableName string

	// Syncer and Searcher are optional. A nil Syncer makes the sync hooks
	// no-ops; a nil Searcher falls back to a substring scan over the stored
	// email rows.
	Syncer   Syncer
	Searcher Searcher
}

// New returns a store on the given table.
func New(client DynamoDBClient, tableName string) *Store {
	return &Store{client: client, tableName: tableName}
}

// Begin is a no-op: each write here is an atomic transaction of its own, and
// multi-write method sequences are serialized by the superlock instead.
func (s *Store) Begin(ctx context.Context) error { return nil }

func (s *Store) Commit(ctx context.Context) error { return nil }

func (s *Store) Rollback(ctx context.Context) error { return nil }

// BeginSuperlock takes the per-(account, kind) write lock with a conditional
// put. The lock item carries an expiry so a crashed holder cannot wedge the
// account forever.
func (s *Store) BeginSuperlock(ctx context.Context, accountID string, kind store.Kind) (func(), error) {
	token := uuid.New().String()
	key := map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: prefixAccount + accountID},
		attrSK: &types.AttributeValueMemberS{Value: prefixLock + string(kind)},
	}

	for {
		now := time.Now().UTC()
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.tableName),
			Item: map[string]types.AttributeValue{
				attrPK:        key[attrPK],
				attrSK:        key[attrSK],
				attrOwner:     &types.AttributeValueMemberS{Value: token},
				attrExpiresAt: &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(lockTTL).Unix(), 10)},
			},
			ConditionExpression: aws.String("attribute_not_exists(" + attrPK + ") OR " + attrExpiresAt + " < :now"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			},
		})
		if err == nil {
			break
		}
		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return nil, fmt.Errorf("acquire lock %s/%s: %w", accountID, kind, err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s/%s: %w", accountID, kind, ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}

	release := func() {
		_, _ = s.client.DeleteItem(context.Background(), &dynamodb.DeleteItemInput{
			TableName:           aws.String(s.tableName),
			Key:                 key,
			ConditionExpression: aws.String(attrOwner + " = :token"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":token": &types.AttributeValueMemberS{Value: token},
			},
		})
	}
	return release, nil
}

func (s *Store) GetAll(ctx context.Context, accountID string, kind store.Kind) ([]*store.Record, error) {
	output, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String(attrPK + " = :pk AND begins_with(" + attrSK + ", :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: prefixAccount + accountID},
			":prefix": &types.AttributeValueMemberS{Value: prefixObject + string(kind) + "#"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query %s rows: %w", kind, err)
	}

	records := make([]*store.Record, 0, len(output.Items))
	for _, item := range output.Items {
		rec, err := unmarshalRecord(item, kind)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) GetOne(ctx context.Context, accountID string, kind store.Kind, id string) (*store.Record, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       recordKey(accountID, kind, id),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", kind, id, err)
	}
	if output.Item == nil {
		return nil, store.ErrNotFound
	}
	return unmarshalRecord(output.Item, kind)
}

func (s *Store) GetSince(ctx context.Context, accountID string, kind store.Kind, since int64) ([]*store.Record, error) {
	all, err := s.GetAll(ctx, accountID, kind)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if rec.Changed() > since {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Create writes the record and bumps the type's state counter in one
// transaction. The caller holds the superlock, so read-then-write on the
// counter is safe.
func (s *Store) Create(ctx context.Context, accountID string, kind store.Kind, id string, props map[string]any) (*store.Record, error) {
	state, err := s.State(ctx, accountID, kind)
	if err != nil {
		return nil, err
	}
	newState := state + 1
	rec := &store.Record{
		ID:         id,
		ModSeq:     newState,
		Created:    newState,
		Active:     true,
		Properties: props,
	}

	item, err := marshalRecord(accountID, kind, rec)
	if err != nil {
		return nil, err
	}
	err = s.transactWrite(ctx, []types.TransactWriteItem{
		{Put: &types.Put{
			TableName:           aws.String(s.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(" + attrPK + ") OR " + attrActive + " = :inactive"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":inactive": &types.AttributeValueMemberBOOL{Value: false},
			},
		}},
		s.statePut(accountID, kind, newState),
	})
	if err != nil {
		return nil, fmt.Errorf("create %s %s: %w", kind, id, err)
	}
	return rec, nil
}

// Update patches the record's properties (a nil value removes the key) and
// bumps the state counter. countsOnly records the change on countsModSeq so
// counter-only refreshes do not look like substantive edits.
func (s *Store) Update(ctx context.Context, accountID string, kind store.Kind, id string, props map[string]any, countsOnly bool) (*store.Record, error) {
	rec, err := s.GetOne(ctx, accountID, kind, id)
	if err != nil {
		return nil, err
	}
	if !rec.Active {
		return nil, store.ErrNotFound
	}
	for key, value := range props {
		if value == nil {
			delete(rec.Properties, key)
		} else {
			rec.Properties[key] = value
		}
	}

	state, err := s.State(ctx, accountID, kind)
	if err != nil {
		return nil, err
	}
	newState := state + 1
	if countsOnly {
		rec.CountsModSeq = newState
	} else {
		rec.ModSeq = newState
	}

	item, err := marshalRecord(accountID, kind, rec)
	if err != nil {
		return nil, err
	}
	err = s.transactWrite(ctx, []types.TransactWriteItem{
		{Put: &types.Put{TableName: aws.String(s.tableName), Item: item}},
		s.statePut(accountID, kind, newState),
	})
	if err != nil {
		return nil, fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	return rec, nil
}

// Destroy soft-deletes: the row stays, flagged inactive, so /changes can
// report the removal until the purge sweeper expires it.
func (s *Store) Destroy(ctx context.Context, accountID string, kind store.Kind, id string) error {
	rec, err := s.GetOne(ctx, accountID, kind, id)
	if err != nil {
		return err
	}
	if !rec.Active {
		return store.ErrNotFound
	}

	state, err := s.State(ctx, accountID, kind)
	if err != nil {
		return err
	}
	newState := state + 1
	rec.Active = false
	rec.ModSeq = newState

	item, err := marshalRecord(accountID, kind, rec)
	if err != nil {
		return err
	}
	err = s.transactWrite(ctx, []types.TransactWriteItem{
		{Put: &types.Put{TableName: aws.String(s.tableName), Item: item}},
		s.statePut(accountID, kind, newState),
	})
	if err != nil {
		return fmt.Errorf("destroy %s %s: %w", kind, id, err)
	}
	return nil
}

func (s *Store) State(ctx context.Context, accountID string, kind store.Kind) (int64, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			attrPK: &types.AttributeValueMemberS{Value: prefixAccount + accountID},
			attrSK: &types.AttributeValueMemberS{Value: prefixState + string(kind)},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("get %s state: %w", kind, err)
	}
	if output.Item == nil {
		return 0, nil
	}
	return numberAttr(output.Item, attrCurrentState)
}

func (s *Store) DeletedModSeq(ctx context.Context, accountID string) (int64, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			attrPK: &types.AttributeValueMemberS{Value: prefixAccount + accountID},
			attrSK: &types.AttributeValueMemberS{Value: skMeta},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("get meta: %w", err)
	}
	if output.Item == nil {
		return 0, nil
	}
	return numberAttr(output.Item, attrDeletedModSeq)
}

// PurgeDestroyed hard-deletes inactive rows whose last change is at or below
// upTo, then raises the account's change horizon to upTo. Run from the
// maintenance sweeper, not the request path.
func (s *Store) PurgeDestroyed(ctx context.Context, accountID string, upTo int64) error {
	output, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String(attrPK + " = :pk AND begins_with(" + attrSK + ", :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: prefixAccount + accountID},
			":prefix": &types.AttributeValueMemberS{Value: prefixObject},
		},
	})
	if err != nil {
		return fmt.Errorf("query rows for purge: %w", err)
	}

	for _, item := range output.Items {
		rec, err := unmarshalRecord(item, "")
		if err != nil {
			return err
		}
		if rec.Active || rec.Changed() > upTo {
			continue
		}
		sk, _ := item[attrSK].(*types.AttributeValueMemberS)
		if sk == nil {
			continue
		}
		_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				attrPK: &types.AttributeValueMemberS{Value: prefixAccount + accountID},
				attrSK: sk,
			},
		})
		if err != nil {
			return fmt.Errorf("purge %s: %w", sk.Value, err)
		}
	}

	horizon, err := s.DeletedModSeq(ctx, accountID)
	if err != nil {
		return err
	}
	if upTo <= horizon {
		return nil
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			attrPK:            &types.AttributeValueMemberS{Value: prefixAccount + accountID},
			attrSK:            &types.AttributeValueMemberS{Value: skMeta},
			attrDeletedModSeq: &types.AttributeValueMemberN{Value: strconv.FormatInt(upTo, 10)},
			attrUpdatedAt:     &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		return fmt.Errorf("advance horizon: %w", err)
	}
	return nil
}

func (s *Store) SyncFolders(ctx context.Context, accountID string) error {
	if s.Syncer == nil {
		return nil
	}
	return s.Syncer.SyncFolders(ctx, accountID)
}

func (s *Store) SyncMail(ctx context.Context, accountID string) error {
	if s.Syncer == nil {
		return nil
	}
	return s.Syncer.SyncMail(ctx, accountID)
}

func (s *Store) SyncCalendars(ctx context.Context, accountID string) error {
	if s.Syncer == nil {
		return nil
	}
	return s.Syncer.SyncCalendars(ctx, accountID)
}

func (s *Store) SyncAddressbooks(ctx context.Context, accountID string) error {
	if s.Syncer == nil {
		return nil
	}
	return s.Syncer.SyncAddressbooks(ctx, accountID)
}

func (s *Store) SearchMail(ctx context.Context, accountID, field, term string) (map[string]bool, error) {
	if s.Searcher != nil {
		return s.Searcher.SearchMail(ctx, accountID, field, term)
	}

	rows, err := s.GetAll(ctx, accountID, store.KindEmail)
	if err != nil {
		return nil, err
	}
	matched := make(map[string]bool)
	for _, rec := range rows {
		if rec.Active && store.MatchEmailField(rec, field, term) {
			matched[rec.ID] = true
		}
	}
	return matched, nil
}

func (s *Store) GetBlob(ctx context.Context, accountID, blobID string) ([]byte, error) {
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			attrPK: &types.AttributeValueMemberS{Value: prefixAccount + accountID},
			attrSK: &types.AttributeValueMemberS{Value: prefixBlob + blobID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", blobID, err)
	}
	if output.Item == nil {
		return nil, store.ErrBlobNotFound
	}
	data, ok := output.Item[attrData].(*types.AttributeValueMemberB)
	if !ok {
		return nil, store.ErrBlobNotFound
	}
	return data.Value, nil
}

// PutBlob stores raw message bytes for later import.
func (s *Store) PutBlob(ctx context.Context, accountID, blobID string, data []byte) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			attrPK:   &types.AttributeValueMemberS{Value: prefixAccount + accountID},
			attrSK:   &types.AttributeValueMemberS{Value: prefixBlob + blobID},
			attrData: &types.AttributeValueMemberB{Value: data},
		},
	})
	if err != nil {
		return fmt.Errorf("put blob %s: %w", blobID, err)
	}
	return nil
}

func (s *Store) transactWrite(ctx context.Context, items []types.TransactWriteItem) error {
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return err
}

func (s *Store) statePut(accountID string, kind store.Kind, newState int64) types.TransactWriteItem {
	return types.TransactWriteItem{Put: &types.Put{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			attrPK:           &types.AttributeValueMemberS{Value: prefixAccount + accountID},
			attrSK:           &types.AttributeValueMemberS{Value: prefixState + string(kind)},
			attrCurrentState: &types.AttributeValueMemberN{Value: strconv.FormatInt(newState, 10)},
			attrUpdatedAt:    &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
	}}
}

func recordKey(accountID string, kind store.Kind, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: prefixAccount + accountID},
		attrSK: &types.AttributeValueMemberS{Value: prefixObject + string(kind) + "#" + id},
	}
}

func marshalRecord(accountID string, kind store.Kind, rec *store.Record) (map[string]types.AttributeValue, error) {
	props, err := json.Marshal(rec.Properties)
	if err != nil {
		return nil, fmt.Errorf("marshal %s %s properties: %w", kind, rec.ID, err)
	}
	item := recordKey(accountID, kind, rec.ID)
	item[attrProps] = &types.AttributeValueMemberS{Value: string(props)}
	item[attrModSeq] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.ModSeq, 10)}
	item[attrCountsModSeq] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.CountsModSeq, 10)}
	item[attrCreatedSeq] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.Created, 10)}
	item[attrActive] = &types.AttributeValueMemberBOOL{Value: rec.Active}
	return item, nil
}

func unmarshalRecord(item map[string]types.AttributeValue, kind store.Kind) (*store.Record, error) {
	sk, _ := item[attrSK].(*types.AttributeValueMemberS)
	if sk == nil {
		return nil, fmt.Errorf("record item missing sort key")
	}
	id := sk.Value
	if idx := lastHash(id); idx >= 0 {
		id = id[idx+1:]
	}

	rec := &store.Record{ID: id, Properties: map[string]any{}}
	if v, ok := item[attrProps].(*types.AttributeValueMemberS); ok {
		if err := json.Unmarshal([]byte(v.Value), &rec.Properties); err != nil {
			return nil, fmt.Errorf("unmarshal %s %s properties: %w", kind, id, err)
		}
	}
	var err error
	if rec.ModSeq, err = numberAttr(item, attrModSeq); err != nil {
		return nil, err
	}
	if rec.CountsModSeq, err = numberAttr(item, attrCountsModSeq); err != nil {
		return nil, err
	}
	if rec.Created, err = numberAttr(item, attrCreatedSeq); err != nil {
		return nil, err
	}
	if v, ok := item[attrActive].(*types.AttributeValueMemberBOOL); ok {
		rec.Active = v.Value
	}
	return rec, nil
}

func numberAttr(item map[string]types.AttributeValue, name string) (int64, error) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return n, nil
}

func lastHash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '#' {
			return i
		}
	}
	return -1
}
