package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/getdozer/dozer/pkg/log"
	"github.com/getdozer/dozer/pkg/metrics"
	"github.com/getdozer/dozer/pkg/types"
)

// RESTServer exposes the per-endpoint POST <path>/query, POST <path>/oapi
// and GET /health routes of §6 over github.com/gofiber/fiber/v2, the
// teacher corpus's REST framework of choice where one appears.
type RESTServer struct {
	app *fiber.App
	reg *Registry
}

// NewRESTServer builds the fiber app and mounts every currently registered
// endpoint's routes. Endpoints registered after this call are not served —
// callers build the Registry fully before calling NewRESTServer.
func NewRESTServer(reg *Registry) *RESTServer {
	app := fiber.New(fiber.Config{
		AppName:               "dozer",
		DisableStartupMessage: true,
	})

	s := &RESTServer{app: app, reg: reg}

	app.Get("/health", s.handleHealth)
	for _, name := range reg.Names() {
		path, _ := reg.pathFor(name)
		app.Post(path+"/query", s.handleQuery(name))
		app.Post(path+"/oapi", s.handleOAPI(name))
	}
	return s
}

// Listen starts serving on addr. It blocks until the listener stops.
func (s *RESTServer) Listen(addr string) error {
	log.WithComponent("api-rest").Info().Str("addr", addr).Msg("REST query surface starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the REST server.
func (s *RESTServer) Shutdown() error {
	return s.app.Shutdown()
}

func (s *RESTServer) handleHealth(c *fiber.Ctx) error {
	if !s.reg.Live() {
		return c.SendStatus(fiber.StatusServiceUnavailable)
	}
	return c.SendStatus(fiber.StatusOK)
}

func (s *RESTServer) handleQuery(endpoint string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		timer := metrics.NewTimer()
		status := "ok"
		defer func() {
			metrics.QueryRequestsTotal.WithLabelValues(endpoint, "rest", status).Inc()
			timer.ObserveDurationVec(metrics.QueryLatency, endpoint, "rest")
		}()

		b, ok := s.reg.Get(endpoint)
		if !ok {
			status = "not_found"
			return c.SendStatus(fiber.StatusNotFound)
		}
		var req QueryRequest
		if err := c.BodyParser(&req); err != nil {
			status = "bad_request"
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		reader := b.Serving()
		schema := reader.Cache.Schema()
		records, err := ExecuteQuery(endpoint, reader, schema, req)
		if err != nil {
			status = queryErrorStatus(err)
			return c.Status(statusCodeFor(status)).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"records": recordsToJSON(schema, records)})
	}
}

func (s *RESTServer) handleOAPI(endpoint string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		b, ok := s.reg.Get(endpoint)
		if !ok {
			return c.SendStatus(fiber.StatusNotFound)
		}
		schema := b.Serving().Cache.Schema()
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.SendString(oapiDocument(endpoint, schema))
	}
}

func (r *Registry) pathFor(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return "", false
	}
	return e.path, true
}

func queryErrorStatus(err error) string {
	var noIdx *types.NoIndexError
	if errors.As(err, &noIdx) {
		return "no_index"
	}
	return "query_error"
}

func statusCodeFor(status string) int {
	switch status {
	case "no_index":
		return fiber.StatusUnprocessableEntity
	case "query_error":
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

// recordsToJSON flattens types.Record values into plain maps keyed by
// schema field name, since a bare Record carries positions, not names.
func recordsToJSON(schema types.Schema, records []types.Record) []map[string]interface{} {
	out := make([]map[string]interface{}, len(records))
	for i, rec := range records {
		m := make(map[string]interface{}, len(rec.Values))
		for j, f := range rec.Values {
			name := strconv.Itoa(j)
			if j < len(schema.Fields) {
				name = schema.Fields[j].Name
			}
			m[name] = fieldToJSON(f)
		}
		out[i] = m
	}
	return out
}

func fieldToJSON(f types.Field) interface{} {
	if f.IsNull() {
		return nil
	}
	switch f.Kind {
	case types.KindUInt:
		return f.UIntVal
	case types.KindInt:
		return f.IntVal
	case types.KindFloat:
		return f.FloatVal
	case types.KindBoolean:
		return f.BoolVal
	case types.KindString, types.KindText:
		return f.StrVal
	case types.KindDecimal:
		return f.DecVal.String()
	case types.KindTimestamp:
		return f.TimeVal.Format(time.RFC3339)
	case types.KindDate:
		return f.TimeVal.Format("2006-01-02")
	default:
		return nil
	}
}
