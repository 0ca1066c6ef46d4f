// Package datastore reads and writes tenant data rows: the shared public table and
// the dedicated private tables share the PK/SK layout.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"tenant-provisioner/internal/awsclient"
	"tenant-provisioner/internal/logger"
	"tenant-provisioner/internal/metrics"
	"tenant-provisioner/internal/model"
)

const (
	AttrPK = "PK"
	AttrSK = "SK"

	// MaxBatchWrite is the DynamoDB BatchWriteItem item limit.
	MaxBatchWrite = 25
)

var ErrMarkerExists = errors.New("init marker already exists")

// RetryPolicy bounds the retries of unprocessed batch items.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}

// Table is one tenant data table.
type Table struct {
	db     awsclient.DynamoDBAPI
	name   string
	policy RetryPolicy
	log    *slog.Logger
	// page size for partition queries; zero lets DynamoDB decide.
	pageSize int32
}

func NewTable(db awsclient.DynamoDBAPI, name string, policy RetryPolicy) *Table {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryPolicy().BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultRetryPolicy().MaxDelay
	}
	return &Table{
		db:     db,
		name:   name,
		policy: policy,
		log:    slog.Default().With(logger.Component("datastore"), logger.Table(name)),
	}
}

// WithPageSize limits the rows per query page.
func (t *Table) WithPageSize(n int32) *Table {
	t.pageSize = n
	return t
}

func (t *Table) Name() string {
	return t.name
}

// PutInitMarker writes the existence marker row under pk. The write is conditional
// on the row not existing; ErrMarkerExists is returned when it does.
func (t *Table) PutInitMarker(ctx context.Context, pk string, attrs map[string]string) error {
	item := map[string]types.AttributeValue{
		AttrPK:      &types.AttributeValueMemberS{Value: pk},
		AttrSK:      &types.AttributeValueMemberS{Value: model.InitSortKey},
		"createdAt": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
	}
	for k, v := range attrs {
		item[k] = &types.AttributeValueMemberS{Value: v}
	}

	cond, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name(AttrPK))).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build init marker condition: %w", err)
	}

	_, err = t.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(t.name),
		Item:                     item,
		ConditionExpression:      cond.Condition(),
		ExpressionAttributeNames: cond.Names(),
	})
	if err != nil {
		if awsclient.IsConditionalCheckFailed(err) {
			return ErrMarkerExists
		}
		return fmt.Errorf("failed to put init marker %s in %s: %w", pk, t.name, err)
	}
	return nil
}

// EnsureInitMarker is PutInitMarker treating an existing marker as success.
func (t *Table) EnsureInitMarker(ctx context.Context, pk string, attrs map[string]string) error {
	if err := t.PutInitMarker(ctx, pk, attrs); err != nil && !errors.Is(err, ErrMarkerExists) {
		return err
	}
	return nil
}

// QueryPartitionKeys returns the keys of every row under pk, draining all pages.
func (t *Table) QueryPartitionKeys(ctx context.Context, pk string) ([]map[string]types.AttributeValue, error) {
	keyCond := expression.Key(AttrPK).Equal(expression.Value(pk))
	proj := expression.NamesList(expression.Name(AttrPK), expression.Name(AttrSK))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).WithProjection(proj).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build partition query: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(t.name),
		KeyConditionExpression:    expr.KeyCondition(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	}
	if t.pageSize > 0 {
		input.Limit = aws.Int32(t.pageSize)
	}

	var keys []map[string]types.AttributeValue
	pages := dynamodb.NewQueryPaginator(t.db, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query partition %s in %s: %w", pk, t.name, err)
		}
		for _, item := range page.Items {
			keys = append(keys, map[string]types.AttributeValue{
				AttrPK: item[AttrPK],
				AttrSK: item[AttrSK],
			})
		}
	}
	return keys, nil
}

// CountPartition returns the number of rows under pk.
func (t *Table) CountPartition(ctx context.Context, pk string) (int, error) {
	keys, err := t.QueryPartitionKeys(ctx, pk)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// DeleteReport summarizes a partition delete.
type DeleteReport struct {
	Found       int
	Deleted     int
	Unprocessed int
	// Residual aggregates the per-batch failures left after retries.
	Residual error
}

// Complete reports whether every row found was deleted.
func (r DeleteReport) Complete() bool {
	return r.Unprocessed == 0
}

// DeletePartition deletes every row under pk in batches of MaxBatchWrite.
// Unprocessed items and throttled batches are retried per the retry policy;
// whatever is still left is logged and reported in the DeleteReport rather than
// returned as an error. Any other failure is returned with the rows deleted so
// far, since the partition would otherwise be reported gone while intact.
func (t *Table) DeletePartition(ctx context.Context, pk string) (DeleteReport, error) {
	keys, err := t.QueryPartitionKeys(ctx, pk)
	if err != nil {
		return DeleteReport{}, err
	}

	report := DeleteReport{Found: len(keys)}
	var residual *multierror.Error
	for start := 0; start < len(keys); start += MaxBatchWrite {
		end := min(start+MaxBatchWrite, len(keys))
		left, err := t.writeDeletes(ctx, keys[start:end])
		var residue *residueError
		if err != nil && !errors.As(err, &residue) {
			return report, fmt.Errorf("failed to delete batch %d-%d of %s in %s: %w", start, end, pk, t.name, err)
		}
		report.Deleted += (end - start) - left
		report.Unprocessed += left
		if err != nil {
			residual = multierror.Append(residual, fmt.Errorf("batch %d-%d: %w", start, end, residue.err))
		}
	}

	if report.Unprocessed > 0 {
		metrics.UnprocessedItems.Add(float64(report.Unprocessed))
		report.Residual = residual.ErrorOrNil()
		t.log.WarnContext(ctx, "partition delete left unprocessed items",
			slog.String("pk", pk),
			slog.Int("found", report.Found),
			slog.Int("unprocessed", report.Unprocessed),
			logger.Error(report.Residual))
	}
	return report, nil
}

var errUnprocessed = errors.New("unprocessed items remain")

// residueError marks a batch whose retry budget ran out on unprocessed items or
// throttling. Its rows are left behind without failing the delete.
type residueError struct {
	err error
}

func (e *residueError) Error() string { return e.err.Error() }

func (e *residueError) Unwrap() error { return e.err }

// writeDeletes issues one batch and retries its unprocessed remainder. It returns
// the count still unprocessed after the retry budget, with a *residueError, or the
// first error that retrying cannot fix.
func (t *Table) writeDeletes(ctx context.Context, keys []map[string]types.AttributeValue) (int, error) {
	requests := make([]types.WriteRequest, 0, len(keys))
	for _, k := range keys {
		requests = append(requests, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: k},
		})
	}

	pending := map[string][]types.WriteRequest{t.name: requests}
	var hard error
	op := func() error {
		out, err := t.db.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			if awsclient.IsThrottling(err) {
				return err
			}
			hard = err
			return backoff.Permanent(err)
		}
		if len(out.UnprocessedItems[t.name]) == 0 {
			pending = nil
			return nil
		}
		pending = map[string][]types.WriteRequest{t.name: out.UnprocessedItems[t.name]}
		return errUnprocessed
	}
	err := backoff.Retry(op, t.policy.backOff(ctx))
	switch {
	case err == nil:
		return 0, nil
	case hard != nil:
		return len(pending[t.name]), hard
	case ctx.Err() != nil:
		return len(pending[t.name]), ctx.Err()
	}
	return len(pending[t.name]), &residueError{err: err}
}
