package api

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/getdozer/dozer/pkg/cachebuilder"
	"github.com/getdozer/dozer/pkg/log"
	"github.com/getdozer/dozer/pkg/metrics"
	"github.com/getdozer/dozer/pkg/types"
)

// PGServer is a minimal Postgres wire protocol front end (§6) built on
// jackc/pgx/v5/pgproto3 for message framing and jackc/pgx/v5/pgtype for
// the Go-value/OID mapping in RowDescription. Only the simple query
// protocol ("Q" messages) runs real queries. The extended query protocol
// (Parse/Bind/Describe/Execute) is acknowledged but not executed — the
// spec calls this out explicitly as minimally stubbed, the same way the
// original server leaves its Describe handler unimplemented.
type PGServer struct {
	reg *Registry
}

// NewPGServer returns a PGServer reading through reg.
func NewPGServer(reg *Registry) *PGServer {
	return &PGServer{reg: reg}
}

// Listen accepts connections on addr until the listener is closed or
// errors. Each connection is served on its own goroutine.
func (s *PGServer) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: pg listen on %s: %w", addr, err)
	}
	log.WithComponent("api-pg").Info().Str("addr", addr).Msg("Postgres wire query surface starting")
	for {
		conn, err := lis.Accept()
		if err != nil {
			return err
		}
		go s.serve(conn)
	}
}

func (s *PGServer) serve(conn net.Conn) {
	defer conn.Close()
	logger := log.WithComponent("api-pg")
	backend := pgproto3.NewBackend(conn, conn)

	if err := s.handshake(backend, conn); err != nil {
		logger.Warn().Err(err).Msg("pg handshake failed")
		return
	}

	for {
		msg, err := backend.Receive()
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *pgproto3.Query:
			s.handleSimpleQuery(backend, m.String)
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			if err := backend.Flush(); err != nil {
				return
			}
		case *pgproto3.Sync:
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			if err := backend.Flush(); err != nil {
				return
			}
		case *pgproto3.Parse, *pgproto3.Bind, *pgproto3.Describe, *pgproto3.Execute:
			// extended query protocol: acknowledged, not executed.
		case *pgproto3.Terminate:
			return
		default:
			// ignore anything else the client sends before Sync.
		}
	}
}

// handshake performs the startup negotiation: accept (and decline) SSL,
// read the real StartupMessage, and respond with an unauthenticated
// AuthenticationOk; no per-connection authentication is done here.
func (s *PGServer) handshake(backend *pgproto3.Backend, conn net.Conn) error {
	startup, err := backend.ReceiveStartupMessage()
	if err != nil {
		return err
	}
	if _, ok := startup.(*pgproto3.SSLRequest); ok {
		if _, err := conn.Write([]byte{'N'}); err != nil {
			return err
		}
		startup, err = backend.ReceiveStartupMessage()
		if err != nil {
			return err
		}
	}
	if _, ok := startup.(*pgproto3.StartupMessage); !ok {
		return fmt.Errorf("api: unexpected startup message %T", startup)
	}

	backend.Send(&pgproto3.AuthenticationOk{})
	backend.Send(&pgproto3.ParameterStatus{Name: "server_version", Value: "14.0 (dozer)"})
	backend.Send(&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"})
	backend.Send(&pgproto3.BackendKeyData{ProcessID: 0, SecretKey: 0})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return backend.Flush()
}

// simpleQueryPattern recognizes the one statement shape the stub front
// end understands: SELECT * FROM <endpoint> [WHERE <field> = <value>]
// [LIMIT <n>]. Anything richer belongs to the real SQL engine this front
// end is deliberately not reimplementing.
var simpleQueryPattern = regexp.MustCompile(`(?is)^\s*select\s+\*\s+from\s+([a-zA-Z_][\w]*)\s*(?:where\s+([a-zA-Z_][\w]*)\s*=\s*'?([^'\s]+)'?\s*)?(?:limit\s+(\d+)\s*)?;?\s*$`)

func (s *PGServer) handleSimpleQuery(backend *pgproto3.Backend, query string) {
	endpoint, field, value, limit, ok := parseSimpleQuery(query)
	if !ok {
		s.sendError(backend, "0A000", fmt.Sprintf("unsupported statement: %s", strings.TrimSpace(query)))
		return
	}

	b, found := s.reg.Get(endpoint)
	if !found {
		s.sendError(backend, "42P01", fmt.Sprintf("relation %q does not exist", endpoint))
		return
	}

	timer := metrics.NewTimer()
	status := "ok"
	defer func() {
		metrics.QueryRequestsTotal.WithLabelValues(endpoint, "pg", status).Inc()
		timer.ObserveDurationVec(metrics.QueryLatency, endpoint, "pg")
	}()

	reader := b.Serving()
	schema := reader.Cache.Schema()
	req := QueryRequest{Limit: limit}
	if field != "" {
		req.Filter = &FilterRequest{Eq: map[string]interface{}{field: value}}
	}

	records, err := ExecuteQuery(endpoint, reader, schema, req)
	if err != nil {
		status = queryErrorStatus(err)
		s.sendError(backend, "XX000", err.Error())
		return
	}

	desc := rowDescription(schema)
	backend.Send(desc)
	for _, rec := range records {
		backend.Send(dataRow(rec))
	}
	backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(fmt.Sprintf("SELECT %d", len(records)))})
	_ = backend.Flush()
}

func parseSimpleQuery(query string) (endpoint, field, value string, limit int, ok bool) {
	m := simpleQueryPattern.FindStringSubmatch(query)
	if m == nil {
		return "", "", "", 0, false
	}
	endpoint, field, value = m[1], m[2], m[3]
	if m[4] != "" {
		limit, _ = strconv.Atoi(m[4])
	}
	return endpoint, field, value, limit, true
}

func (s *PGServer) sendError(backend *pgproto3.Backend, code, message string) {
	backend.Send(&pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     code,
		Message:  message,
	})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	_ = backend.Flush()
}

func rowDescription(schema types.Schema) *pgproto3.RowDescription {
	fields := make([]pgproto3.FieldDescription, len(schema.Fields))
	for i, fd := range schema.Fields {
		fields[i] = pgproto3.FieldDescription{
			Name:                 []byte(fd.Name),
			TableOID:             0,
			TableAttributeNumber: uint16(i + 1),
			DataTypeOID:          pgOID(fd.Type),
			DataTypeSize:         -1,
			TypeModifier:         -1,
			Format:               0,
		}
	}
	return &pgproto3.RowDescription{Fields: fields}
}

func dataRow(rec types.Record) *pgproto3.DataRow {
	values := make([][]byte, len(rec.Values))
	for i, f := range rec.Values {
		if f.IsNull() {
			values[i] = nil
			continue
		}
		values[i] = []byte(fieldToText(f))
	}
	return &pgproto3.DataRow{Values: values}
}

func fieldToText(f types.Field) string {
	v := fieldToJSON(f)
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "t"
		}
		return "f"
	default:
		return fmt.Sprintf("%v", t)
	}
}

func pgOID(kind types.Kind) uint32 {
	switch kind {
	case types.KindUInt, types.KindInt:
		return pgtype.Int8OID
	case types.KindFloat:
		return pgtype.Float8OID
	case types.KindBoolean:
		return pgtype.BoolOID
	case types.KindDecimal, types.KindU128, types.KindI128:
		return pgtype.NumericOID
	case types.KindTimestamp:
		return pgtype.TimestamptzOID
	case types.KindDate:
		return pgtype.DateOID
	default:
		return pgtype.TextOID
	}
}
