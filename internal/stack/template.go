package stack

import (
	"encoding/json"
	"fmt"
)

// TableTemplate describes the single table a private tenant gets.
type TableTemplate struct {
	TableName string
	TenantID  string
	Entity    string
}

type resource struct {
	Type           string         `json:"Type"`
	DeletionPolicy string         `json:"DeletionPolicy,omitempty"`
	Properties     map[string]any `json:"Properties"`
}

type output struct {
	Description string `json:"Description"`
	Value       any    `json:"Value"`
}

type template struct {
	Version     string              `json:"AWSTemplateFormatVersion"`
	Description string              `json:"Description"`
	Resources   map[string]resource `json:"Resources"`
	Outputs     map[string]output   `json:"Outputs"`
}

// Body renders the CloudFormation template: one table keyed PK/SK, on-demand
// billing, encrypted at rest, point-in-time recovery on.
func (t TableTemplate) Body() (string, error) {
	tpl := template{
		Version:     "2010-09-09",
		Description: fmt.Sprintf("Dedicated data table for %s %s", t.Entity, t.TenantID),
		Resources: map[string]resource{
			"TenantTable": {
				Type:           "AWS::DynamoDB::Table",
				DeletionPolicy: "Delete",
				Properties: map[string]any{
					"TableName": t.TableName,
					"AttributeDefinitions": []map[string]string{
						{"AttributeName": "PK", "AttributeType": "S"},
						{"AttributeName": "SK", "AttributeType": "S"},
					},
					"KeySchema": []map[string]string{
						{"AttributeName": "PK", "KeyType": "HASH"},
						{"AttributeName": "SK", "KeyType": "RANGE"},
					},
					"BillingMode":      "PAY_PER_REQUEST",
					"SSESpecification": map[string]bool{"SSEEnabled": true},
					"PointInTimeRecoverySpecification": map[string]bool{
						"PointInTimeRecoveryEnabled": true,
					},
					"Tags": []map[string]string{
						{"Key": "TenantId", "Value": t.TenantID},
						{"Key": "ManagedBy", "Value": "tenant-provisioner"},
					},
				},
			},
		},
		Outputs: map[string]output{
			"TableName": {Description: "Dedicated table name", Value: map[string]string{"Ref": "TenantTable"}},
			"TableArn": {
				Description: "Dedicated table ARN",
				Value:       map[string][]string{"Fn::GetAtt": {"TenantTable", "Arn"}},
			},
		},
	}
	body, err := json.Marshal(tpl)
	if err != nil {
		return "", fmt.Errorf("failed to render stack template: %w", err)
	}
	return string(body), nil
}
