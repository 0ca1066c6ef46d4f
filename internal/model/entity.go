package model

import (
	"fmt"
	"strings"
)

// Entity selects the naming family used for keys, stacks and tables.
// The admin portal runs either as a tenant portal or as an account portal.
type Entity string

const (
	EntityTenant  Entity = "tenant"
	EntityAccount Entity = "account"
)

const (
	MetadataSortKey = "METADATA"
	InitSortKey     = "init"
)

func ParseEntity(s string) (Entity, error) {
	switch Entity(strings.ToLower(s)) {
	case EntityTenant, "":
		return EntityTenant, nil
	case EntityAccount:
		return EntityAccount, nil
	}
	return "", fmt.Errorf("invalid entity kind %q", s)
}

// Prefix is the upper-case label, e.g. TENANT.
func (e Entity) Prefix() string {
	return strings.ToUpper(string(e))
}

// PartitionKey is the registry and shared-table partition key, e.g. TENANT#ab12cd34.
func (e Entity) PartitionKey(id string) string {
	return e.Prefix() + "#" + id
}

// StackName is the deterministic dedicated stack name, e.g. tenant-ab12cd34-dynamodb.
func (e Entity) StackName(id string) string {
	return fmt.Sprintf("%s-%s-dynamodb", e, id)
}

// DedicatedTableName is the private-tier table name, e.g. TENANT_ab12cd34.
func (e Entity) DedicatedTableName(id string) string {
	return e.Prefix() + "_" + id
}
