/*
Package types defines Dozer's core data model: the tagged Field value, the
Schema/FieldDefinition pair that gives records their shape, Record and
RecordMeta, the CommitState persisted by every cache, and the Operation /
LogOperation sum types that flow through the operation log and the
dataflow DAG.

Every other package in this module depends on types and nothing in types
depends back on them — it is the leaf of the dependency graph, the way the
teacher repo keeps its own types package free of storage or manager
imports.

# Tagged unions without algebraic types

Go has no sum types, so Field, Operation, and LogOperation are each
modeled as a Kind discriminant plus one payload field per variant. Callers
switch on Kind and only read the field that Kind says is valid; the zero
value of every variant type (Kind == 0) is the first listed constant, which
is deliberately the most "empty" choice (KindNull, OpInsert, LogOpRecord).
*/
package types
