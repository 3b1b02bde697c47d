package api

import (
	"encoding/json"
	"fmt"

	"github.com/swaggo/swag"

	"github.com/getdozer/dozer/pkg/types"
)

// oapiDocument renders the OpenAPI document for one endpoint's POST
// <path>/query route (§6). It builds the spec body from the endpoint's
// live schema and runs it through github.com/swaggo/swag's runtime Spec
// template, the same registration shape swag's own code generator produces
// for a static document, rather than hand-rolling a second JSON encoder.
func oapiDocument(endpoint string, schema types.Schema) string {
	spec := &swag.Spec{
		Version:          "1.0",
		Title:            fmt.Sprintf("dozer endpoint %s", endpoint),
		Description:      fmt.Sprintf("Query surface for the %s endpoint", endpoint),
		BasePath:         "/" + endpoint,
		InfoInstanceName: endpoint,
		SwaggerTemplate:  string(mustMarshalOAPIBody(endpoint, schema)),
	}
	swag.Register(spec.InstanceName(), spec)
	return spec.ReadDoc()
}

func mustMarshalOAPIBody(endpoint string, schema types.Schema) []byte {
	properties := make(map[string]interface{}, len(schema.Fields))
	var required []string
	for _, fd := range schema.Fields {
		properties[fd.Name] = map[string]interface{}{"type": openAPIType(fd.Type)}
		if !fd.Nullable {
			required = append(required, fd.Name)
		}
	}
	recordSchema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		recordSchema["required"] = required
	}

	doc := map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":   "{{.Title}}",
			"version": "{{.Version}}",
		},
		"paths": map[string]interface{}{
			"/" + endpoint + "/query": map[string]interface{}{
				"post": map[string]interface{}{
					"summary": "Query the " + endpoint + " endpoint",
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "matching records",
							"content": map[string]interface{}{
								"application/json": map[string]interface{}{
									"schema": map[string]interface{}{
										"type": "object",
										"properties": map[string]interface{}{
											"records": map[string]interface{}{
												"type":  "array",
												"items": recordSchema,
											},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return []byte(`{"openapi":"3.0.3"}`)
	}
	return raw
}

func openAPIType(kind types.Kind) string {
	switch kind {
	case types.KindUInt, types.KindInt, types.KindU128, types.KindI128:
		return "integer"
	case types.KindFloat, types.KindDecimal:
		return "number"
	case types.KindBoolean:
		return "boolean"
	case types.KindTimestamp, types.KindDate, types.KindString, types.KindText, types.KindJSON:
		return "string"
	default:
		return "string"
	}
}
