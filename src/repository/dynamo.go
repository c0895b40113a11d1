// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"continuumtasks/src/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore keeps one item per task keyed by "oid". The claim lock lives in
// the extra "locked_at" attribute (epoch ms) which is not part of the record.
type DynamoStore struct {
	db        DynamoAPI
	tableName string
}

func NewDynamoStore(ctx context.Context, region, table, endpoint string) (*DynamoStore, error) {
	if table == "" {
		return nil, fmt.Errorf("DYNAMO_TABLE is required")
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &DynamoStore{db: client, tableName: table}, nil
}

func NewDynamoStoreWithClient(db DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{db: db, tableName: table}
}

func (s *DynamoStore) key(oid string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"oid": &types.AttributeValueMemberS{Value: oid}}
}

func (s *DynamoStore) Add(ctx context.Context, rec model.TaskRecord) (string, error) {
	if rec.OID == "" {
		rec.OID = uuid.New().String()
	}
	rec.OtherHandlers = nonNilStack(rec.OtherHandlers)
	rec.Extension = nonNilExtension(rec.Extension)
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return "", schemaErrorf("task %s: %v", rec.Identifier, err)
	}
	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(oid)"),
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return "", fmt.Errorf("%w: oid %s", ErrAlreadyExists, rec.OID)
		}
		return "", mapDynamoError(err)
	}
	return rec.OID, nil
}

func (s *DynamoStore) Get(ctx context.Context, oid string) (*model.TaskRecord, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(oid),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, mapDynamoError(err)
	}
	if out.Item == nil {
		return nil, notFound(oid)
	}
	var rec model.TaskRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, schemaErrorf("task %s: %v", oid, err)
	}
	return &rec, nil
}

// ApplyChanges folds the changes into a single conditional UpdateItem. A
// path changed several times keeps its last value, which is the result of
// applying the list in order.
func (s *DynamoStore) ApplyChanges(ctx context.Context, oid string, changes []model.Change) error {
	if len(changes) == 0 {
		return nil
	}
	expr, err := buildUpdate(changes)
	if err != nil {
		return err
	}
	_, err = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       s.key(oid),
		ConditionExpression:       aws.String("attribute_exists(oid)"),
		UpdateExpression:          aws.String(expr.expression()),
		ExpressionAttributeNames:  expr.names,
		ExpressionAttributeValues: expr.valuesOrNil(),
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return notFound(oid)
		}
		return mapDynamoError(err)
	}
	return nil
}

func (s *DynamoStore) ClaimRunnable(ctx context.Context, node string) (*model.TaskRecord, error) {
	items, err := s.scanAll(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("#st = :runnable AND handler_uri <> :empty AND attribute_not_exists(locked_at)"),
		ExpressionAttributeNames: map[string]string{
			"#st": "execution_status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":runnable": &types.AttributeValueMemberS{Value: string(model.ExecutionRunnable)},
			":empty":    &types.AttributeValueMemberS{Value: ""},
		},
	})
	if err != nil {
		return nil, err
	}
	var candidates []model.TaskRecord
	if err := attributevalue.UnmarshalListOfMaps(items, &candidates); err != nil {
		return nil, schemaErrorf("scan: %v", err)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].LastRunStart, candidates[j].LastRunStart
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	for _, rec := range candidates {
		_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(s.tableName),
			Key:                 s.key(rec.OID),
			ConditionExpression: aws.String("attribute_not_exists(locked_at) AND #st = :runnable"),
			UpdateExpression:    aws.String("SET locked_at = :now, node = :node"),
			ExpressionAttributeNames: map[string]string{
				"#st": "execution_status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now":      &types.AttributeValueMemberN{Value: now},
				":node":     &types.AttributeValueMemberS{Value: node},
				":runnable": &types.AttributeValueMemberS{Value: string(model.ExecutionRunnable)},
			},
		})
		if err != nil {
			// If condition fails, another worker claimed it first.
			var cfe *types.ConditionalCheckFailedException
			if errors.As(err, &cfe) {
				continue
			}
			return nil, mapDynamoError(err)
		}
		rec.Node = node
		return &rec, nil
	}
	return nil, ErrNotFound
}

func (s *DynamoStore) Release(ctx context.Context, oid string) error {
	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              s.key(oid),
		UpdateExpression: aws.String("REMOVE locked_at"),
	})
	if err != nil {
		return mapDynamoError(err)
	}
	return nil
}

func (s *DynamoStore) ReleaseStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Add(-olderThan).UnixMilli(), 10)}
	items, err := s.scanAll(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(s.tableName),
		FilterExpression:          aws.String("locked_at < :cutoff"),
		ProjectionExpression:      aws.String("oid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":cutoff": cutoff},
	})
	if err != nil {
		return nil, err
	}

	var released []string
	for _, item := range items {
		var row struct {
			OID string `dynamodbav:"oid"`
		}
		if err := attributevalue.UnmarshalMap(item, &row); err != nil {
			return released, schemaErrorf("scan: %v", err)
		}
		_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 aws.String(s.tableName),
			Key:                       s.key(row.OID),
			ConditionExpression:       aws.String("locked_at < :cutoff"),
			UpdateExpression:          aws.String("REMOVE locked_at"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":cutoff": cutoff},
		})
		if err != nil {
			var cfe *types.ConditionalCheckFailedException
			if errors.As(err, &cfe) {
				continue
			}
			return released, mapDynamoError(err)
		}
		released = append(released, row.OID)
	}
	return released, nil
}

// scanAll follows LastEvaluatedKey until the table is exhausted. Filters
// apply per page, so a single page can be empty while later ones match.
func (s *DynamoStore) scanAll(ctx context.Context, in *dynamodb.ScanInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	p := dynamodb.NewScanPaginator(s.db, in)
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, mapDynamoError(err)
		}
		items = append(items, out.Items...)
	}
	return items, nil
}

type updateExpr struct {
	sets    []string
	removes []string
	names   map[string]string
	values  map[string]types.AttributeValue
}

func (e *updateExpr) expression() string {
	var parts []string
	if len(e.sets) > 0 {
		parts = append(parts, "SET "+strings.Join(e.sets, ", "))
	}
	if len(e.removes) > 0 {
		parts = append(parts, "REMOVE "+strings.Join(e.removes, ", "))
	}
	return strings.Join(parts, " ")
}

func (e *updateExpr) valuesOrNil() map[string]types.AttributeValue {
	if len(e.values) == 0 {
		return nil
	}
	return e.values
}

func buildUpdate(changes []model.Change) (*updateExpr, error) {
	// Last change per path wins; the order of first appearance is kept.
	var order []string
	last := make(map[string]model.Change)
	for _, c := range changes {
		if c.Field == model.FieldExtension && c.Key == "" {
			return nil, schemaErrorf("extension change without a key")
		}
		if c.Field != model.FieldExtension {
			var scratch model.TaskRecord
			if err := c.ApplyTo(&scratch); err != nil {
				return nil, schemaErrorf("%v", err)
			}
		}
		if _, seen := last[c.Path()]; !seen {
			order = append(order, c.Path())
		}
		last[c.Path()] = c
	}

	e := &updateExpr{names: map[string]string{}, values: map[string]types.AttributeValue{}}
	for i, path := range order {
		c := last[path]
		name := fmt.Sprintf("#f%d", i)
		e.names[name] = string(c.Field)
		target := name
		if c.Field == model.FieldExtension {
			keyName := fmt.Sprintf("#k%d", i)
			e.names[keyName] = c.Key
			target = name + "." + keyName
		}
		if c.Op == model.OpDelete {
			e.removes = append(e.removes, target)
			continue
		}
		if ext, ok := c.Value.(model.ExtensionValue); ok {
			if err := ext.Validate(); err != nil {
				return nil, schemaErrorf("%s: %v", c.Path(), err)
			}
		} else if c.Field == model.FieldExtension {
			return nil, schemaErrorf("invalid value %T for %s", c.Value, c.Path())
		}
		av, err := attributevalue.Marshal(c.Value)
		if err != nil {
			return nil, schemaErrorf("%s: %v", c.Path(), err)
		}
		valueName := fmt.Sprintf(":v%d", i)
		e.values[valueName] = av
		e.sets = append(e.sets, target+" = "+valueName)
	}
	return e, nil
}

func mapDynamoError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationException" {
		return fmt.Errorf("%w: %s", ErrSchema, apiErr.ErrorMessage())
	}
	return err
}

func (s *DynamoStore) Counts(ctx context.Context) (model.StatusCounts, error) {
	items, err := s.scanAll(ctx, &dynamodb.ScanInput{
		TableName:                aws.String(s.tableName),
		ProjectionExpression:     aws.String("#st, locked_at"),
		ExpressionAttributeNames: map[string]string{"#st": "execution_status"},
	})
	if err != nil {
		return model.StatusCounts{}, err
	}
	var c model.StatusCounts
	for _, item := range items {
		var row struct {
			Status   model.ExecutionStatus `dynamodbav:"execution_status"`
			LockedAt *int64                `dynamodbav:"locked_at"`
		}
		if err := attributevalue.UnmarshalMap(item, &row); err != nil {
			return model.StatusCounts{}, schemaErrorf("scan: %v", err)
		}
		c.Add(row.Status, row.LockedAt != nil)
	}
	return c, nil
}
