package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getdozer/dozer/pkg/dconfig"
)

func TestSourceSchemaUsesDeclaredColumns(t *testing.T) {
	s := dconfig.Source{Name: "orders", Columns: []string{"id", "region", "amount"}}
	schema := sourceSchema(s)
	require.Len(t, schema.Fields, 3)
	assert.Equal(t, "region", schema.Fields[1].Name)
	assert.Equal(t, []int{0}, schema.PrimaryIndex)
}

func TestSourceSchemaFallsBackWhenNoColumnsDeclared(t *testing.T) {
	schema := sourceSchema(dconfig.Source{Name: "orders"})
	assert.Len(t, schema.Fields, 2)
}

func TestBuildConnectorsRejectsUnknownConnectionKind(t *testing.T) {
	cfg := &dconfig.Config{
		Connections: []dconfig.Connection{{Name: "x", Kind: "carrier-pigeon"}},
		Sources:     []dconfig.Source{{Name: "orders", Connection: "x", TableName: "orders"}},
	}
	_, err := buildConnectors(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestBuildConnectorsRejectsUnknownConnectionReference(t *testing.T) {
	cfg := &dconfig.Config{
		Sources: []dconfig.Source{{Name: "orders", Connection: "missing", TableName: "orders"}},
	}
	_, err := buildConnectors(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestBuildHealthMonitorSkipsConnectionsWithoutHost(t *testing.T) {
	cfg := &dconfig.Config{
		Connections: []dconfig.Connection{
			{Name: "pg", Kind: "postgres", Host: "db.internal", Port: 5432},
			{Name: "bucket", Kind: "s3", Database: "my-bucket"},
		},
	}
	mon := buildHealthMonitor(cfg)
	require.NotNil(t, mon)
	mon.Start()
	mon.Stop()
}
