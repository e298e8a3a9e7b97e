/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package dispatch persists the authoritative dispatch records. Every write
// is conditional: creates require the id to be free, updates require the
// version the writer read. Concurrent writers therefore never overwrite each
// other; the loser re-reads and reapplies.
package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/lo"

	v1 "github.com/outpost-run/outpost/pkg/apis/v1"
	sdk "github.com/outpost-run/outpost/pkg/aws"
	"github.com/outpost-run/outpost/pkg/errors"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200

	// maxQueryPages bounds how many times a filtered list re-queries to fill
	// a page before handing the caller a cursor instead.
	maxQueryPages = 8
)

type Store interface {
	Create(ctx context.Context, record *v1.Dispatch) error
	Get(ctx context.Context, dispatchID string) (*v1.Dispatch, error)
	// UpdateStatus applies patch conditionally on the version carried by
	// record. The stored version mismatching is a STALE_VERSION error, an
	// illegal state transition is a CONFLICT, and neither writes anything.
	UpdateStatus(ctx context.Context, record *v1.Dispatch, patch v1.StatusPatch) (*v1.Dispatch, error)
	List(ctx context.Context, tenantID string, query v1.ListQuery) (*v1.ListPage, error)
	ListByStatus(ctx context.Context, status v1.DispatchStatus, olderThan time.Time) ([]*v1.Dispatch, error)
	ListByStatusSince(ctx context.Context, status v1.DispatchStatus, since time.Time) ([]*v1.Dispatch, error)
	GetByRuntimeHandle(ctx context.Context, runtimeHandle string) ([]*v1.Dispatch, error)
	CountActive(ctx context.Context, tenantID string) (int, error)
}

type DefaultStore struct {
	api       sdk.DynamoDBAPI
	tableName string
}

func NewDefaultStore(api sdk.DynamoDBAPI, tableName string) *DefaultStore {
	return &DefaultStore{api: api, tableName: tableName}
}

func (s *DefaultStore) Create(ctx context.Context, record *v1.Dispatch) error {
	attrs, err := attributevalue.MarshalMap(recordToItem(record))
	if err != nil {
		return fmt.Errorf("marshalling dispatch %s, %w", record.DispatchID, err)
	}
	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name("dispatchId"))).
		Build()
	if err != nil {
		return fmt.Errorf("building the create condition, %w", err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.tableName),
		Item:                     attrs,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	}); err != nil {
		if errors.IsConditionalCheckFailed(err) {
			return errors.New(v1.ErrorKindConflict, "dispatch %s already exists", record.DispatchID)
		}
		return errors.ClassifyAWS(err, "creating dispatch %s", record.DispatchID)
	}
	return nil
}

func (s *DefaultStore) Get(ctx context.Context, dispatchID string) (*v1.Dispatch, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            keyFor(dispatchID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.ClassifyAWS(err, "getting dispatch %s", dispatchID)
	}
	if len(out.Item) == 0 {
		return nil, errors.New(v1.ErrorKindNotFound, "dispatch %s not found", dispatchID)
	}
	return unmarshalRecord(out.Item)
}

func (s *DefaultStore) UpdateStatus(ctx context.Context, record *v1.Dispatch, patch v1.StatusPatch) (*v1.Dispatch, error) {
	if !record.Status.CanTransition(patch.Status) {
		return nil, errors.New(v1.ErrorKindConflict,
			"dispatch %s cannot move from %s to %s", record.DispatchID, record.Status, patch.Status)
	}
	update := expression.
		Set(expression.Name("status"), expression.Value(string(patch.Status))).
		Set(expression.Name("version"), expression.Value(record.Version+1))
	if patch.RuntimeHandle != nil {
		update = update.Set(expression.Name("runtimeHandle"), expression.Value(*patch.RuntimeHandle))
	}
	if patch.ExitCode != nil {
		update = update.Set(expression.Name("exitCode"), expression.Value(*patch.ExitCode))
	}
	if patch.ErrorKind != "" {
		update = update.Set(expression.Name("errorKind"), expression.Value(string(patch.ErrorKind)))
	}
	if patch.ErrorMessage != "" {
		update = update.Set(expression.Name("errorMessage"), expression.Value(patch.ErrorMessage))
	}
	if patch.ArtifactHandle != nil {
		update = update.Set(expression.Name("artifactHandle"), expression.Value(*patch.ArtifactHandle))
	}
	if patch.StartedAt != nil {
		update = update.Set(expression.Name("startedAt"), expression.Value(patch.StartedAt.UnixMilli()))
	}
	if patch.EndedAt != nil {
		update = update.Set(expression.Name("endedAt"), expression.Value(patch.EndedAt.UnixMilli()))
	}
	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(expression.Name("version").Equal(expression.Value(record.Version))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("building the update expression, %w", err)
	}
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.tableName),
		Key:                                 keyFor(record.DispatchID),
		UpdateExpression:                    expr.Update(),
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValues:                        ddbtypes.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: ddbtypes.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var failed *ddbtypes.ConditionalCheckFailedException
		if stderrors.As(err, &failed) {
			// The old item rides back on the exception, which distinguishes
			// a lost version race from a record that no longer exists.
			if len(failed.Item) == 0 {
				return nil, errors.New(v1.ErrorKindNotFound, "dispatch %s not found", record.DispatchID)
			}
			return nil, errors.New(v1.ErrorKindStaleVersion,
				"dispatch %s version %d is stale", record.DispatchID, record.Version)
		}
		return nil, errors.ClassifyAWS(err, "updating dispatch %s", record.DispatchID)
	}
	return unmarshalRecord(out.Attributes)
}

func (s *DefaultStore) List(ctx context.Context, tenantID string, query v1.ListQuery) (*v1.ListPage, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	keyCond := expression.Key("tenantId").Equal(expression.Value(tenantID))
	if !query.Since.IsZero() {
		keyCond = keyCond.And(expression.Key("createdAt").GreaterThanEqual(expression.Value(query.Since.UnixMilli())))
	}
	builder := expression.NewBuilder().WithKeyCondition(keyCond)
	if filter, ok := listFilter(query); ok {
		builder = builder.WithFilter(filter)
	}
	expr, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("building the list expression, %w", err)
	}
	startKey, err := decodeCursor(query.Cursor)
	if err != nil {
		return nil, err
	}

	page := &v1.ListPage{Items: []*v1.Dispatch{}}
	for i := 0; i < maxQueryPages; i++ {
		out, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			IndexName:                 aws.String(TenantCreatedIndex),
			KeyConditionExpression:    expr.KeyCondition(),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ScanIndexForward:          aws.Bool(false),
			Limit:                     aws.Int32(int32(limit - len(page.Items))),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, errors.ClassifyAWS(err, "listing dispatches for tenant %s", tenantID)
		}
		for _, attrs := range out.Items {
			record, err := unmarshalRecord(attrs)
			if err != nil {
				return nil, err
			}
			page.Items = append(page.Items, record)
		}
		startKey = out.LastEvaluatedKey
		if len(page.Items) >= limit || len(startKey) == 0 {
			break
		}
	}
	if page.NextCursor, err = encodeCursor(startKey); err != nil {
		return nil, err
	}
	page.HasMore = page.NextCursor != ""
	return page, nil
}

func (s *DefaultStore) ListByStatus(ctx context.Context, status v1.DispatchStatus, olderThan time.Time) ([]*v1.Dispatch, error) {
	keyCond := expression.Key("status").Equal(expression.Value(string(status))).
		And(expression.Key("createdAt").LessThan(expression.Value(olderThan.UnixMilli())))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("building the status query, %w", err)
	}
	return s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(StatusCreatedIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}, fmt.Sprintf("listing %s dispatches", status))
}

func (s *DefaultStore) ListByStatusSince(ctx context.Context, status v1.DispatchStatus, since time.Time) ([]*v1.Dispatch, error) {
	keyCond := expression.Key("status").Equal(expression.Value(string(status))).
		And(expression.Key("createdAt").GreaterThanEqual(expression.Value(since.UnixMilli())))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("building the status query, %w", err)
	}
	return s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(StatusCreatedIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}, fmt.Sprintf("listing recent %s dispatches", status))
}

func (s *DefaultStore) GetByRuntimeHandle(ctx context.Context, runtimeHandle string) ([]*v1.Dispatch, error) {
	keyCond := expression.Key("runtimeHandle").Equal(expression.Value(runtimeHandle))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("building the handle query, %w", err)
	}
	return s.queryAll(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(RuntimeHandleIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}, fmt.Sprintf("resolving runtime handle %s", runtimeHandle))
}

func (s *DefaultStore) CountActive(ctx context.Context, tenantID string) (int, error) {
	active := lo.Map(v1.ActiveStatuses(), func(status v1.DispatchStatus, _ int) expression.OperandBuilder {
		return expression.Value(string(status))
	})
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("tenantId").Equal(expression.Value(tenantID))).
		WithFilter(expression.Name("status").In(active[0], active[1:]...)).
		Build()
	if err != nil {
		return 0, fmt.Errorf("building the count expression, %w", err)
	}
	total := 0
	var startKey map[string]ddbtypes.AttributeValue
	for {
		out, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			IndexName:                 aws.String(TenantCreatedIndex),
			KeyConditionExpression:    expr.KeyCondition(),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			Select:                    ddbtypes.SelectCount,
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return 0, errors.ClassifyAWS(err, "counting active dispatches for tenant %s", tenantID)
		}
		total += int(out.Count)
		startKey = out.LastEvaluatedKey
		if len(startKey) == 0 {
			return total, nil
		}
	}
}

func (s *DefaultStore) queryAll(ctx context.Context, input *dynamodb.QueryInput, action string) ([]*v1.Dispatch, error) {
	var records []*v1.Dispatch
	for {
		out, err := s.api.Query(ctx, input)
		if err != nil {
			return nil, errors.ClassifyAWS(err, "%s", action)
		}
		for _, attrs := range out.Items {
			record, err := unmarshalRecord(attrs)
			if err != nil {
				return nil, err
			}
			records = append(records, record)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return records, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func listFilter(query v1.ListQuery) (expression.ConditionBuilder, bool) {
	var conds []expression.ConditionBuilder
	if query.Status != "" {
		conds = append(conds, expression.Name("status").Equal(expression.Value(string(query.Status))))
	}
	if query.Agent != "" {
		conds = append(conds, expression.Name("agent").Equal(expression.Value(query.Agent)))
	}
	keys := lo.Keys(query.Tags)
	sort.Strings(keys)
	for _, key := range keys {
		conds = append(conds, expression.Name("tags."+key).Equal(expression.Value(query.Tags[key])))
	}
	if len(conds) == 0 {
		return expression.ConditionBuilder{}, false
	}
	filter := conds[0]
	for _, cond := range conds[1:] {
		filter = filter.And(cond)
	}
	return filter, true
}

func keyFor(dispatchID string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"dispatchId": &ddbtypes.AttributeValueMemberS{Value: dispatchID},
	}
}
