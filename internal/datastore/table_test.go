package datastore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-provisioner/internal/awsfake"
)

const testTable = "TENANT_251018ab"

var fastRetry = RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func seedRows(db *awsfake.DynamoDB, pk string, n int) {
	sks := make([]string, n)
	for i := range sks {
		sks[i] = fmt.Sprintf("ROW#%03d", i)
	}
	db.Seed(testTable, pk, sks...)
}

func TestPutInitMarker(t *testing.T) {
	ctx := context.Background()
	db := awsfake.NewDynamoDB()
	table := NewTable(db, testTable, fastRetry)

	require.NoError(t, table.PutInitMarker(ctx, "TENANT#251018ab", map[string]string{"tenantName": "Acme"}))

	item := db.Item(testTable, "TENANT#251018ab", "init")
	require.NotNil(t, item)
	assert.Equal(t, "Acme", item["tenantName"].(*types.AttributeValueMemberS).Value)
	assert.Contains(t, item, "createdAt")

	assert.ErrorIs(t, table.PutInitMarker(ctx, "TENANT#251018ab", nil), ErrMarkerExists)
	assert.NoError(t, table.EnsureInitMarker(ctx, "TENANT#251018ab", nil))
	assert.Equal(t, 1, db.Count(testTable, "TENANT#251018ab"))
}

func TestEnsureInitMarkerSurfacesOtherErrors(t *testing.T) {
	db := awsfake.NewDynamoDB()
	db.Err["PutItem"] = awsfake.APIError("ResourceNotFoundException", "table missing")

	err := NewTable(db, testTable, fastRetry).EnsureInitMarker(context.Background(), "TENANT#x", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMarkerExists)
}

func TestQueryPartitionKeysDrainsAllPages(t *testing.T) {
	db := awsfake.NewDynamoDB()
	seedRows(db, "TENANT#a", 60)
	seedRows(db, "TENANT#b", 5)

	keys, err := NewTable(db, testTable, fastRetry).WithPageSize(7).QueryPartitionKeys(context.Background(), "TENANT#a")
	require.NoError(t, err)
	assert.Len(t, keys, 60)
	assert.Equal(t, 9, db.Calls["Query"])
	for _, k := range keys {
		assert.Len(t, k, 2)
	}
}

func TestDeletePartitionBatches(t *testing.T) {
	db := awsfake.NewDynamoDB()
	seedRows(db, "TENANT#a", 60)
	seedRows(db, "TENANT#b", 2)

	report, err := NewTable(db, testTable, fastRetry).DeletePartition(context.Background(), "TENANT#a")
	require.NoError(t, err)

	assert.Equal(t, DeleteReport{Found: 60, Deleted: 60}, report)
	assert.True(t, report.Complete())
	assert.Equal(t, 3, db.Calls["BatchWriteItem"])
	assert.Zero(t, db.Count(testTable, "TENANT#a"))
	assert.Equal(t, 2, db.Count(testTable, "TENANT#b"))
}

func TestDeletePartitionRetriesUnprocessed(t *testing.T) {
	db := awsfake.NewDynamoDB()
	seedRows(db, "TENANT#a", 30)
	db.UnprocessedPerCall = []int{5}

	report, err := NewTable(db, testTable, fastRetry).DeletePartition(context.Background(), "TENANT#a")
	require.NoError(t, err)

	assert.True(t, report.Complete())
	assert.Equal(t, 30, report.Deleted)
	// 25 + retry of 5 + 5
	assert.Equal(t, 3, db.Calls["BatchWriteItem"])
	assert.Zero(t, db.Count(testTable, "TENANT#a"))
}

func TestDeletePartitionReportsResidue(t *testing.T) {
	db := awsfake.NewDynamoDB()
	seedRows(db, "TENANT#a", 3)
	db.UnprocessedPerCall = []int{3, 3, 3}

	policy := fastRetry
	policy.MaxRetries = 2
	report, err := NewTable(db, testTable, policy).DeletePartition(context.Background(), "TENANT#a")
	require.NoError(t, err)

	assert.False(t, report.Complete())
	assert.Equal(t, 3, report.Found)
	assert.Zero(t, report.Deleted)
	assert.Equal(t, 3, report.Unprocessed)
	assert.Error(t, report.Residual)
	assert.Equal(t, 3, db.Calls["BatchWriteItem"])
	assert.Equal(t, 3, db.Count(testTable, "TENANT#a"))
}

func TestDeletePartitionEmpty(t *testing.T) {
	db := awsfake.NewDynamoDB()
	report, err := NewTable(db, testTable, fastRetry).DeletePartition(context.Background(), "TENANT#none")
	require.NoError(t, err)
	assert.Equal(t, DeleteReport{}, report)
	assert.Zero(t, db.Calls["BatchWriteItem"])
}

func TestDeletePartitionQueryFailure(t *testing.T) {
	db := awsfake.NewDynamoDB()
	db.Err["Query"] = awsfake.APIError("InternalServerError", "boom")

	_, err := NewTable(db, testTable, fastRetry).DeletePartition(context.Background(), "TENANT#a")
	assert.Error(t, err)
}

func TestDeletePartitionBatchFailure(t *testing.T) {
	db := awsfake.NewDynamoDB()
	seedRows(db, "TENANT#a", 3)
	db.Err["BatchWriteItem"] = awsfake.APIError("AccessDeniedException", "not authorized to perform dynamodb:BatchWriteItem")

	report, err := NewTable(db, testTable, fastRetry).DeletePartition(context.Background(), "TENANT#a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AccessDeniedException")
	assert.Equal(t, 3, report.Found)
	assert.Zero(t, report.Deleted)
	// not retried
	assert.Equal(t, 1, db.Calls["BatchWriteItem"])
	assert.Equal(t, 3, db.Count(testTable, "TENANT#a"))
}

func TestDeletePartitionThrottledIsResidue(t *testing.T) {
	db := awsfake.NewDynamoDB()
	seedRows(db, "TENANT#a", 3)
	db.Err["BatchWriteItem"] = awsfake.APIError("ProvisionedThroughputExceededException", "slow down")

	report, err := NewTable(db, testTable, fastRetry).DeletePartition(context.Background(), "TENANT#a")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Unprocessed)
	assert.ErrorContains(t, report.Residual, "ProvisionedThroughputExceededException")
	assert.Equal(t, fastRetry.MaxRetries+1, db.Calls["BatchWriteItem"])
}
