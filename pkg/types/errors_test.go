package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchemaErrorCode(t *testing.T) {
	err := &SchemaError{Name: "orders", Reason: "bad"}
	assert.Equal(t, "SCHEMA", err.Code())
	assert.Contains(t, err.Error(), "orders")
}

func TestSchemaMismatchErrorCode(t *testing.T) {
	err := &SchemaMismatchError{Name: "orders"}
	assert.Equal(t, "SCHEMA_MISMATCH", err.Code())
}

func TestPrimaryKeyErrorCodeVariesByExists(t *testing.T) {
	exists := &PrimaryKeyError{Exists: true, Key: "1"}
	notFound := &PrimaryKeyError{Exists: false, Key: "1"}
	assert.Equal(t, "PRIMARY_KEY_EXISTS", exists.Code())
	assert.Equal(t, "PRIMARY_KEY_NOT_FOUND", notFound.Code())
}

func TestStorageErrorUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := &StorageError{Kind: "io", Err: cause}
	assert.ErrorIs(t, err, cause)
}

func TestLogErrorCodePerKind(t *testing.T) {
	assert.Equal(t, "LOG_ID_MISMATCH", (&LogError{Kind: LogErrorIDMismatch}).Code())
	assert.Equal(t, "LOG_GAP", (&LogError{Kind: LogErrorGap}).Code())
	assert.Equal(t, "LOG_TIMEOUT", (&LogError{Kind: LogErrorTimeout}).Code())
}

func TestConnectorErrorUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := &ConnectorError{Connection: "pg-main", Err: cause}
	assert.ErrorIs(t, err, cause)
}

func TestAppendOnlySchemaErrorCode(t *testing.T) {
	err := &AppendOnlySchemaError{Name: "events"}
	assert.Equal(t, "APPEND_ONLY_SCHEMA", err.Code())
	assert.Contains(t, err.Error(), "events")
}

func TestNoIndexErrorMessage(t *testing.T) {
	err := &NoIndexError{Endpoint: "orders"}
	assert.Contains(t, err.Error(), "orders")
	assert.Equal(t, "NO_INDEX", err.Code())
}
