package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"tenant-provisioner/internal/awsclient"
	"tenant-provisioner/internal/datastore"
	"tenant-provisioner/internal/model"
	"tenant-provisioner/internal/registry"
)

// Registry attribute names, matching the dynamodbav tags on model.Tenant.
const (
	attrState           = "provisioningState"
	attrTier            = "subscriptionTier"
	attrExecutionArn    = "stepFunctionExecutionArn"
	attrExecutionStatus = "stepFunctionStatus"
	attrStackID         = "cloudFormationStackId"
	attrError           = "provisioningError"
	attrDeletionCount   = "deletionAttempts"
	attrLastModified    = "lastModified"
)

// DynamoStore keeps one registry item per tenant under PK <PREFIX>#<id>, SK METADATA.
type DynamoStore struct {
	db     awsclient.DynamoDBAPI
	table  string
	entity model.Entity
	now    func() time.Time
}

func NewDynamoStore(db awsclient.DynamoDBAPI, table string, entity model.Entity) *DynamoStore {
	return &DynamoStore{
		db:     db,
		table:  table,
		entity: entity,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *DynamoStore) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		datastore.AttrPK: &types.AttributeValueMemberS{Value: s.entity.PartitionKey(id)},
		datastore.AttrSK: &types.AttributeValueMemberS{Value: model.MetadataSortKey},
	}
}

func (s *DynamoStore) Create(ctx context.Context, t *model.Tenant) error {
	if t.LastModified.IsZero() {
		t.LastModified = s.now()
	}
	item, err := attributevalue.MarshalMap(t)
	if err != nil {
		return fmt.Errorf("failed to marshal tenant %s: %w", t.ID, err)
	}
	for k, v := range s.key(t.ID) {
		item[k] = v
	}

	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name(datastore.AttrPK))).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build create condition: %w", err)
	}
	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     item,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if awsclient.IsConditionalCheckFailed(err) {
		return registry.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to put tenant %s: %w", t.ID, err)
	}
	return nil
}

func (s *DynamoStore) Get(ctx context.Context, id string) (*model.Tenant, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, registry.ErrNotFound
	}
	var t model.Tenant
	if err := attributevalue.UnmarshalMap(out.Item, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tenant %s: %w", id, err)
	}
	return &t, nil
}

func (s *DynamoStore) List(ctx context.Context, f registry.Filter) ([]model.Tenant, error) {
	filter := expression.Name(datastore.AttrSK).Equal(expression.Value(model.MetadataSortKey))
	if len(f.States) > 0 {
		filter = filter.And(inStates(f.States))
	}
	if f.Tier != "" {
		filter = filter.And(expression.Name(attrTier).Equal(expression.Value(string(f.Tier))))
	}
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build list filter: %w", err)
	}

	pages := dynamodb.NewScanPaginator(s.db, &dynamodb.ScanInput{
		TableName:                 aws.String(s.table),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	var tenants []model.Tenant
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan registry: %w", err)
		}
		var batch []model.Tenant
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal registry page: %w", err)
		}
		tenants = append(tenants, batch...)
		if f.Limit > 0 && len(tenants) >= f.Limit {
			return tenants[:f.Limit], nil
		}
	}
	return tenants, nil
}

// Apply translates the mutation into one conditional UpdateItem. On a failed
// condition the record is read back to tell a missing tenant from a stale expectation.
func (s *DynamoStore) Apply(ctx context.Context, id string, m registry.Mutation) (*model.Tenant, error) {
	expr, err := expression.NewBuilder().
		WithCondition(mutationCondition(m)).
		WithUpdate(mutationUpdate(m, s.now())).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build update for tenant %s: %w", id, err)
	}

	out, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       s.key(id),
		ConditionExpression:       expr.Condition(),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if awsclient.IsConditionalCheckFailed(err) {
		if _, getErr := s.Get(ctx, id); errors.Is(getErr, registry.ErrNotFound) {
			return nil, registry.ErrNotFound
		}
		return nil, registry.ErrPrecondition
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update tenant %s: %w", id, err)
	}

	var t model.Tenant
	if err := attributevalue.UnmarshalMap(out.Attributes, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tenant %s: %w", id, err)
	}
	return &t, nil
}

func inStates(states []model.State) expression.ConditionBuilder {
	others := make([]expression.OperandBuilder, 0, len(states)-1)
	for _, st := range states[1:] {
		others = append(others, expression.Value(string(st)))
	}
	return expression.Name(attrState).In(expression.Value(string(states[0])), others...)
}

func mutationCondition(m registry.Mutation) expression.ConditionBuilder {
	cond := expression.AttributeExists(expression.Name(datastore.AttrPK))
	if len(m.ExpectStates) > 0 {
		cond = cond.And(inStates(m.ExpectStates))
	}
	if m.ExpectExecution != nil {
		arn := expression.Name(attrExecutionArn)
		if *m.ExpectExecution == "" {
			cond = cond.And(expression.Or(
				expression.AttributeNotExists(arn),
				arn.Equal(expression.Value("")),
			))
		} else {
			cond = cond.And(arn.Equal(expression.Value(*m.ExpectExecution)))
		}
	}
	return cond
}

func mutationUpdate(m registry.Mutation, now time.Time) expression.UpdateBuilder {
	upd := expression.Set(expression.Name(attrLastModified), expression.Value(now))

	if m.State != nil {
		upd = upd.Set(expression.Name(attrState), expression.Value(string(*m.State)))
	}
	upd = setOrRemove(upd, attrExecutionArn, m.ExecutionArn)
	upd = setOrRemove(upd, attrExecutionStatus, m.ExecutionStatus)
	upd = setOrRemove(upd, attrStackID, m.StackID)
	upd = setOrRemove(upd, attrError, m.ProvisioningError)
	if m.IncrementDeletionAttempts {
		name := expression.Name(attrDeletionCount)
		upd = upd.Set(name, name.Plus(expression.Value(1)))
	}

	times := map[string]*time.Time{
		"provisioningSubmittedAt": m.ProvisioningSubmittedAt,
		"provisioningCompletedAt": m.ProvisioningCompletedAt,
		"deletionSubmittedAt":     m.DeletionSubmittedAt,
		"deletionFailedAt":        m.DeletionFailedAt,
		"deletedAt":               m.DeletedAt,
	}
	for name, v := range times {
		if v != nil {
			upd = upd.Set(expression.Name(name), expression.Value(v.UTC()))
		}
	}

	if p := m.Profile; p != nil {
		upd = upd.
			Set(expression.Name("tenantName"), expression.Value(p.Name)).
			Set(expression.Name("email"), expression.Value(p.Email)).
			Set(expression.Name("firstName"), expression.Value(p.FirstName)).
			Set(expression.Name("lastName"), expression.Value(p.LastName)).
			Set(expression.Name("adminUsername"), expression.Value(p.AdminUsername)).
			Set(expression.Name("adminEmail"), expression.Value(p.AdminEmail))
	}
	return upd
}

// setOrRemove sets the attribute, or removes it when v points at "". The optional
// attributes are written with omitempty, so absent and empty mean the same thing.
func setOrRemove(upd expression.UpdateBuilder, name string, v *string) expression.UpdateBuilder {
	if v == nil {
		return upd
	}
	if *v == "" {
		return upd.Remove(expression.Name(name))
	}
	return upd.Set(expression.Name(name), expression.Value(*v))
}
