// Package awsfake provides in-memory stand-ins for the AWS APIs used by the
// provisioning workers. They are used by package tests and the integration test.
package awsfake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"tenant-provisioner/internal/awsclient"
)

// APIError builds an error that awsclient.ErrorCode understands.
func APIError(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message}
}

// DynamoDB is a key-value fake keyed on PK/SK. It does not evaluate expressions:
// conditional puts check key existence and queries match the single key value.
type DynamoDB struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue

	// UnprocessedPerCall leaves that many trailing requests unprocessed on the
	// n-th BatchWriteItem call.
	UnprocessedPerCall []int
	// Err forces an error from the named operation.
	Err map[string]error

	Calls       map[string]int
	LastUpdate  *dynamodb.UpdateItemInput
	LastQueries []*dynamodb.QueryInput
}

func NewDynamoDB() *DynamoDB {
	return &DynamoDB{
		tables: make(map[string]map[string]map[string]types.AttributeValue),
		Err:    make(map[string]error),
		Calls:  make(map[string]int),
	}
}

var _ awsclient.DynamoDBAPI = (*DynamoDB)(nil)

func itemKey(item map[string]types.AttributeValue) string {
	return str(item["PK"]) + "|" + str(item["SK"])
}

func str(v types.AttributeValue) string {
	if s, ok := v.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (d *DynamoDB) table(name string) map[string]map[string]types.AttributeValue {
	t, ok := d.tables[name]
	if !ok {
		t = make(map[string]map[string]types.AttributeValue)
		d.tables[name] = t
	}
	return t
}

func (d *DynamoDB) call(op string) error {
	d.Calls[op]++
	return d.Err[op]
}

// Seed writes rows with the given PK and SKs.
func (d *DynamoDB) Seed(table, pk string, sks ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.table(table)
	for _, sk := range sks {
		item := map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		}
		t[itemKey(item)] = item
	}
}

// Item returns the stored row, or nil.
func (d *DynamoDB) Item(table, pk, sk string) map[string]types.AttributeValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.table(table)[pk+"|"+sk]
}

// Count returns the rows stored under pk.
func (d *DynamoDB) Count(table, pk string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, item := range d.table(table) {
		if str(item["PK"]) == pk {
			n++
		}
	}
	return n
}

func (d *DynamoDB) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("GetItem"); err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: d.table(aws.ToString(in.TableName))[itemKey(in.Key)]}, nil
}

func (d *DynamoDB) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("PutItem"); err != nil {
		return nil, err
	}
	t := d.table(aws.ToString(in.TableName))
	k := itemKey(in.Item)
	if _, exists := t[k]; exists && in.ConditionExpression != nil {
		return nil, APIError("ConditionalCheckFailedException", "The conditional request failed")
	}
	t[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

// UpdateItem records the input and returns the stored item unchanged. A missing
// item fails the condition.
func (d *DynamoDB) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LastUpdate = in
	if err := d.call("UpdateItem"); err != nil {
		return nil, err
	}
	item, ok := d.table(aws.ToString(in.TableName))[itemKey(in.Key)]
	if !ok {
		return nil, APIError("ConditionalCheckFailedException", "The conditional request failed")
	}
	return &dynamodb.UpdateItemOutput{Attributes: item}, nil
}

func (d *DynamoDB) sorted(table string, match func(map[string]types.AttributeValue) bool) []map[string]types.AttributeValue {
	var items []map[string]types.AttributeValue
	for _, item := range d.table(table) {
		if match(item) {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return itemKey(items[i]) < itemKey(items[j]) })
	return items
}

func page(items []map[string]types.AttributeValue, start map[string]types.AttributeValue, limit *int32) ([]map[string]types.AttributeValue, map[string]types.AttributeValue) {
	if start != nil {
		sk := itemKey(start)
		i := sort.Search(len(items), func(i int) bool { return itemKey(items[i]) > sk })
		items = items[i:]
	}
	if limit == nil || int(*limit) >= len(items) {
		return items, nil
	}
	items = items[:*limit]
	last := items[len(items)-1]
	return items, map[string]types.AttributeValue{"PK": last["PK"], "SK": last["SK"]}
}

func (d *DynamoDB) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LastQueries = append(d.LastQueries, in)
	if err := d.call("Query"); err != nil {
		return nil, err
	}
	var pk string
	for _, v := range in.ExpressionAttributeValues {
		pk = str(v)
	}
	items := d.sorted(aws.ToString(in.TableName), func(item map[string]types.AttributeValue) bool {
		return str(item["PK"]) == pk
	})
	out, last := page(items, in.ExclusiveStartKey, in.Limit)
	return &dynamodb.QueryOutput{Items: out, Count: int32(len(out)), LastEvaluatedKey: last}, nil
}

func (d *DynamoDB) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.call("Scan"); err != nil {
		return nil, err
	}
	items := d.sorted(aws.ToString(in.TableName), func(map[string]types.AttributeValue) bool { return true })
	out, last := page(items, in.ExclusiveStartKey, in.Limit)
	return &dynamodb.ScanOutput{Items: out, Count: int32(len(out)), LastEvaluatedKey: last}, nil
}

func (d *DynamoDB) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	call := d.Calls["BatchWriteItem"]
	if err := d.call("BatchWriteItem"); err != nil {
		return nil, err
	}
	leave := 0
	if call < len(d.UnprocessedPerCall) {
		leave = d.UnprocessedPerCall[call]
	}

	out := &dynamodb.BatchWriteItemOutput{UnprocessedItems: map[string][]types.WriteRequest{}}
	for name, reqs := range in.RequestItems {
		t := d.table(name)
		n := len(reqs) - leave
		if n < 0 {
			n = 0
		}
		for _, r := range reqs[:n] {
			if r.DeleteRequest != nil {
				delete(t, itemKey(r.DeleteRequest.Key))
			}
			if r.PutRequest != nil {
				t[itemKey(r.PutRequest.Item)] = r.PutRequest.Item
			}
		}
		if n < len(reqs) {
			out.UnprocessedItems[name] = reqs[n:]
		}
	}
	return out, nil
}

// Stack is one fake CloudFormation stack.
type Stack struct {
	ID     string
	Name   string
	Status cftypes.StackStatus
	Reason string
	// statuses still to be reported, one per describe
	plan []cftypes.StackStatus
}

// CloudFormation is a scripted stack fake. Each DescribeStacks advances the stack
// one step through its plan.
type CloudFormation struct {
	mu     sync.Mutex
	stacks map[string]*Stack

	CreatePlan []cftypes.StackStatus
	DeletePlan []cftypes.StackStatus
	Err        map[string]error
	Calls      map[string]int
	Templates  map[string]string
}

func NewCloudFormation() *CloudFormation {
	return &CloudFormation{
		stacks:     make(map[string]*Stack),
		CreatePlan: []cftypes.StackStatus{cftypes.StackStatusCreateInProgress, cftypes.StackStatusCreateComplete},
		DeletePlan: []cftypes.StackStatus{cftypes.StackStatusDeleteInProgress, cftypes.StackStatusDeleteComplete},
		Err:        make(map[string]error),
		Calls:      make(map[string]int),
		Templates:  make(map[string]string),
	}
}

var _ awsclient.CloudFormationAPI = (*CloudFormation)(nil)

func notExist(name string) error {
	return APIError("ValidationError", fmt.Sprintf("Stack with id %s does not exist", name))
}

func (c *CloudFormation) find(nameOrID string) *Stack {
	if s, ok := c.stacks[nameOrID]; ok {
		return s
	}
	for _, s := range c.stacks {
		if s.ID == nameOrID {
			return s
		}
	}
	return nil
}

// Put installs a stack directly.
func (c *CloudFormation) Put(name string, status cftypes.StackStatus, plan ...cftypes.StackStatus) *Stack {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Stack{ID: stackID(name), Name: name, Status: status, plan: plan}
	c.stacks[name] = s
	return s
}

// Remove deletes a stack out of band.
func (c *CloudFormation) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stacks, name)
}

// Get returns the stack named name, or nil.
func (c *CloudFormation) Get(name string) *Stack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stacks[name]
}

func stackID(name string) string {
	return fmt.Sprintf("arn:aws:cloudformation:us-east-1:123456789012:stack/%s/%s", name, uuid.NewString())
}

func (c *CloudFormation) CreateStack(ctx context.Context, in *cloudformation.CreateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls["CreateStack"]++
	if err := c.Err["CreateStack"]; err != nil {
		return nil, err
	}
	name := aws.ToString(in.StackName)
	if _, exists := c.stacks[name]; exists {
		return nil, APIError("AlreadyExistsException", fmt.Sprintf("Stack [%s] already exists", name))
	}
	plan := append([]cftypes.StackStatus(nil), c.CreatePlan...)
	s := &Stack{ID: stackID(name), Name: name, Status: cftypes.StackStatusCreateInProgress, plan: plan}
	c.stacks[name] = s
	c.Templates[name] = aws.ToString(in.TemplateBody)
	return &cloudformation.CreateStackOutput{StackId: aws.String(s.ID)}, nil
}

func (c *CloudFormation) DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls["DescribeStacks"]++
	if err := c.Err["DescribeStacks"]; err != nil {
		return nil, err
	}
	ref := aws.ToString(in.StackName)
	s := c.find(ref)
	if s == nil {
		return nil, notExist(ref)
	}
	if len(s.plan) > 0 {
		s.Status, s.plan = s.plan[0], s.plan[1:]
	}
	return &cloudformation.DescribeStacksOutput{Stacks: []cftypes.Stack{{
		StackId:           aws.String(s.ID),
		StackName:         aws.String(s.Name),
		StackStatus:       s.Status,
		StackStatusReason: aws.String(s.Reason),
		CreationTime:      aws.Time(time.Now()),
	}}}, nil
}

func (c *CloudFormation) DeleteStack(ctx context.Context, in *cloudformation.DeleteStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls["DeleteStack"]++
	if err := c.Err["DeleteStack"]; err != nil {
		return nil, err
	}
	ref := aws.ToString(in.StackName)
	s := c.find(ref)
	if s == nil {
		return nil, notExist(ref)
	}
	s.plan = append([]cftypes.StackStatus(nil), c.DeletePlan...)
	return &cloudformation.DeleteStackOutput{}, nil
}

// STS issues fixed credentials. The first Throttle calls are throttled.
type STS struct {
	mu       sync.Mutex
	Err      error
	Throttle int
	Inputs   []*sts.AssumeRoleInput
}

var _ awsclient.STSAPI = (*STS)(nil)

func (s *STS) AssumeRole(ctx context.Context, in *sts.AssumeRoleInput, _ ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Inputs = append(s.Inputs, in)
	if len(s.Inputs) <= s.Throttle {
		return nil, APIError("Throttling", "Rate exceeded")
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return &sts.AssumeRoleOutput{Credentials: &ststypes.Credentials{
		AccessKeyId:     aws.String("ASIAFAKE"),
		SecretAccessKey: aws.String("secret"),
		SessionToken:    aws.String("token"),
		Expiration:      aws.Time(time.Now().Add(time.Hour)),
	}}, nil
}

func (s *STS) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Inputs)
}

// Builder returns the same Bundle for any credentials.
type Builder struct {
	Bundle *awsclient.Bundle
}

func (b Builder) Build(aws.Credentials) *awsclient.Bundle {
	return b.Bundle
}

// Accounts hands out one Bundle for every tenant account, or Err.
type Accounts struct {
	mu       sync.Mutex
	Bundle   *awsclient.Bundle
	Err      error
	Accounts []string
}

func (a *Accounts) Clients(ctx context.Context, accountID, contextID string) (*awsclient.Bundle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Accounts = append(a.Accounts, accountID)
	if a.Err != nil {
		return nil, a.Err
	}
	return a.Bundle, nil
}

// SetErr replaces Err while runs may be in flight.
func (a *Accounts) SetErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Err = err
}
