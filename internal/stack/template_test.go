package stack

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableTemplateBody(t *testing.T) {
	body, err := TableTemplate{TableName: "TENANT_251018ab", TenantID: "251018ab", Entity: "tenant"}.Body()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &doc))

	resources := doc["Resources"].(map[string]any)
	require.Len(t, resources, 1)
	table := resources["TenantTable"].(map[string]any)
	assert.Equal(t, "AWS::DynamoDB::Table", table["Type"])

	props := table["Properties"].(map[string]any)
	assert.Equal(t, "TENANT_251018ab", props["TableName"])
	assert.Equal(t, "PAY_PER_REQUEST", props["BillingMode"])
	assert.Equal(t, true, props["SSESpecification"].(map[string]any)["SSEEnabled"])
	assert.Equal(t, true, props["PointInTimeRecoverySpecification"].(map[string]any)["PointInTimeRecoveryEnabled"])

	keys := props["KeySchema"].([]any)
	require.Len(t, keys, 2)
	assert.Equal(t, map[string]any{"AttributeName": "PK", "KeyType": "HASH"}, keys[0])
	assert.Equal(t, map[string]any{"AttributeName": "SK", "KeyType": "RANGE"}, keys[1])

	attrs := props["AttributeDefinitions"].([]any)
	for _, a := range attrs {
		assert.Equal(t, "S", a.(map[string]any)["AttributeType"])
	}
	assert.Contains(t, doc["Outputs"], "TableArn")
}
