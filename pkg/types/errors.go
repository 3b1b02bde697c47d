package types

import "fmt"

// The error kinds named in §7. Each carries a stable Code() so callers
// (servers, CLI) can surface a machine-readable identifier alongside the
// human-readable message, the way the teacher's errors wrap context with
// fmt.Errorf("...: %w", err) while keeping the root cause inspectable via
// errors.As.

// SchemaError covers schema mismatch at cache open, schema-not-found, and
// unsupported field types. Fatal to the owning cache open.
type SchemaError struct {
	Name   string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("schema error on %q: %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("schema error: %s", e.Reason)
}

func (e *SchemaError) Code() string { return "SCHEMA" }

// SchemaMismatchError is the specific SchemaError raised when a cache is
// reopened with a schema that differs from the one it was created with
// (§3, §4.5, scenario 6 in §8).
type SchemaMismatchError struct {
	Name   string
	Given  Schema
	Stored Schema
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch for %q: given schema does not match stored schema", e.Name)
}

func (e *SchemaMismatchError) Code() string { return "SCHEMA_MISMATCH" }

// AppendOnlySchemaError is raised when Delete or Update is attempted
// against a cache bound to an append-only schema (§4.3).
type AppendOnlySchemaError struct {
	Name string
}

func (e *AppendOnlySchemaError) Error() string {
	return fmt.Sprintf("cache %q is append-only: delete and update are not permitted", e.Name)
}

func (e *AppendOnlySchemaError) Code() string { return "APPEND_ONLY_SCHEMA" }

// PrimaryKeyError covers not-found and already-exists conditions, which
// conflict-resolution policy may recover locally (§7).
type PrimaryKeyError struct {
	Exists bool // true: PrimaryKeyExists, false: PrimaryKeyNotFound
	Key    string
}

func (e *PrimaryKeyError) Error() string {
	if e.Exists {
		return fmt.Sprintf("primary key already exists: %s", e.Key)
	}
	return fmt.Sprintf("primary key not found: %s", e.Key)
}

func (e *PrimaryKeyError) Code() string {
	if e.Exists {
		return "PRIMARY_KEY_EXISTS"
	}
	return "PRIMARY_KEY_NOT_FOUND"
}

// StorageError covers I/O, commit and format-version failures from the
// storage envelope.
// Fatal to the writer; the cache builder terminates the owning endpoint.
type StorageError struct {
	Kind string // "io", "commit", "version"
	Err  error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("storage error (%s)", e.Kind)
}

func (e *StorageError) Code() string { return "STORAGE" }
func (e *StorageError) Unwrap() error { return e.Err }

// LogErrorKind enumerates the operation log's failure modes (§2, §7).
type LogErrorKind uint8

const (
	LogErrorIDMismatch LogErrorKind = iota // recoverable: triggers rebuild
	LogErrorGap                            // fatal: integrity violation
	LogErrorTimeout                        // recoverable
)

type LogError struct {
	Kind LogErrorKind
	Msg  string
}

func (e *LogError) Error() string { return fmt.Sprintf("log error: %s", e.Msg) }

func (e *LogError) Code() string {
	switch e.Kind {
	case LogErrorIDMismatch:
		return "LOG_ID_MISMATCH"
	case LogErrorGap:
		return "LOG_GAP"
	case LogErrorTimeout:
		return "LOG_TIMEOUT"
	default:
		return "LOG"
	}
}

// DagError covers connectivity, duplicate-input, and missing-input
// failures detected at DAG build time (§4.6, §7).
type DagError struct {
	Reason string
	Node   string
}

func (e *DagError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("dag error at node %q: %s", e.Node, e.Reason)
	}
	return fmt.Sprintf("dag error: %s", e.Reason)
}

func (e *DagError) Code() string { return "DAG" }

// QueryError covers invalid expressions, missing indexes, and pagination
// past the end of a result set (§4.4, §7).
type QueryError struct {
	Reason string
}

func (e *QueryError) Error() string { return fmt.Sprintf("query error: %s", e.Reason) }
func (e *QueryError) Code() string  { return "QUERY" }

// NoIndexError is the specific QueryError raised when no declared index
// satisfies a planned query (§4.4).
type NoIndexError struct {
	Endpoint string
}

func (e *NoIndexError) Error() string {
	return fmt.Sprintf("no index satisfies the query plan for endpoint %q", e.Endpoint)
}

func (e *NoIndexError) Code() string { return "NO_INDEX" }

// ConnectorError covers recoverable (bounded retry) and terminal connector
// failures (§7); terminal failures drain and stop downstream DAG nodes.
type ConnectorError struct {
	Connection string
	Err        error
	Terminal   bool
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("connector error on %q: %v", e.Connection, e.Err)
}

func (e *ConnectorError) Code() string { return "CONNECTOR" }
func (e *ConnectorError) Unwrap() error { return e.Err }
