// Package openapi describes the tile endpoints of the current catalog as an
// OpenAPI 3.1 document.
package openapi

import (
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/faucetdb/tilefaucet/internal/model"
)

// Options controls document generation.
type Options struct {
	BaseURL string
	// Auth adds the bearer security scheme to every operation.
	Auth bool
	// Version is written into info.version.
	Version string
}

// GenerateTileSpec documents one tile path and one TileJSON path per source,
// plus the catalog and health endpoints. Sources are documented in the
// order given.
func GenerateTileSpec(sources []model.Source, opts Options) *openapi3.T {
	version := opts.Version
	if version == "" {
		version = "1.0.0"
	}
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "tilefaucet",
			Description: "Mapbox Vector Tiles rendered on demand from PostGIS tables and functions.",
			Version:     version,
		},
	}
	if opts.BaseURL != "" {
		doc.Servers = openapi3.Servers{{URL: opts.BaseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	if opts.Auth {
		doc.Components.SecuritySchemes["bearerAuth"] = &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:         "http",
				Scheme:       "bearer",
				BearerFormat: "JWT",
			},
		}
		doc.Security = openapi3.SecurityRequirements{{"bearerAuth": {}}}
	}

	doc.Paths = openapi3.NewPaths()

	doc.Components.Schemas["ErrorResponse"] = errorSchema()
	doc.Components.Schemas["TileJSON"] = tileJSONSchema()

	for _, src := range sources {
		addSourcePaths(doc, src)
	}
	addSystemPaths(doc)
	return doc
}

// addSourcePaths documents GET /{id}/{z}/{x}/{y} and GET /{id}.
func addSourcePaths(doc *openapi3.T, src model.Source) {
	tag := src.ID
	schemaName := sanitizeSchemaName(src.ID)

	if props := src.Properties(); len(props) > 0 {
		doc.Components.Schemas[schemaName+"Properties"] = propertiesSchema(props)
	}

	params := coordParameters(src)
	params = append(params, functionParameters(src)...)

	desc := fmt.Sprintf("%s source %s.", src.Kind, src.QualifiedName())
	if src.Options.Attribution != "" {
		desc += " " + src.Options.Attribution
	}

	doc.Paths.Set("/"+src.ID+"/{z}/{x}/{y}", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{tag},
			Summary:     fmt.Sprintf("Get a tile of %s", src.ID),
			Description: desc,
			OperationID: "getTile" + schemaName,
			Parameters:  params,
			Responses:   tileResponses(src.Format()),
		},
	})
	doc.Paths.Set("/"+src.ID, &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{tag},
			Summary:     fmt.Sprintf("TileJSON for %s", src.ID),
			OperationID: "getTileJSON" + schemaName,
			Responses:   newResponses("200", "TileJSON document", openapi3.NewSchemaRef("#/components/schemas/TileJSON", nil)),
		},
	})
}

func coordParameters(src model.Source) openapi3.Parameters {
	maxZoom := float64(src.Options.MaxZoom)
	z := openapi3.NewIntegerSchema().WithMin(float64(src.Options.MinZoom)).WithMax(maxZoom)
	return openapi3.Parameters{
		&openapi3.ParameterRef{Value: openapi3.NewPathParameter("z").
			WithDescription("Zoom level.").
			WithSchema(z)},
		&openapi3.ParameterRef{Value: openapi3.NewPathParameter("x").
			WithDescription("Tile column, 0 to 2^z-1.").
			WithSchema(openapi3.NewIntegerSchema().WithMin(0))},
		&openapi3.ParameterRef{Value: openapi3.NewPathParameter("y").
			WithDescription("Tile row, 0 to 2^z-1, optionally suffixed with a tile extension such as .pbf.").
			WithSchema(openapi3.NewStringSchema().WithPattern(`^[0-9]+(\.(pbf|mvt|png|jpg|jpeg|webp))?$`))},
	}
}

// functionParameters documents the extra arguments of a function source as
// query parameters. A json/jsonb argument receives the whole query string
// and is documented as free-form.
func functionParameters(src model.Source) openapi3.Parameters {
	if src.Kind != model.SourceKindFunction || src.Function == nil {
		return nil
	}
	var params openapi3.Parameters
	for _, p := range src.Function.Params {
		m := MapDBType(p.Type)
		if m.Type == "object" {
			params = append(params, &openapi3.ParameterRef{Value: &openapi3.Parameter{
				Name:        p.Name,
				In:          openapi3.ParameterInQuery,
				Description: "Every query parameter, passed to the function as one " + p.Type + " object.",
				Style:       "form",
				Explode:     openapi3.BoolPtr(true),
				Schema: &openapi3.SchemaRef{Value: &openapi3.Schema{
					Type:                 &openapi3.Types{"object"},
					AdditionalProperties: openapi3.AdditionalProperties{Has: openapi3.BoolPtr(true)},
				}},
			}})
			continue
		}
		param := openapi3.NewQueryParameter(p.Name).
			WithSchema(&openapi3.Schema{Type: &openapi3.Types{m.Type}, Format: m.Format})
		param.Required = !p.HasDefault
		params = append(params, &openapi3.ParameterRef{Value: param})
	}
	return params
}

func addSystemPaths(doc *openapi3.T) {
	object := &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}}

	doc.Paths.Set("/catalog", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "List the published sources, conflicts and discovery diagnostics",
			OperationID: "listCatalog",
			Responses:   newResponses("200", "Catalog listing", object),
		},
	})
	doc.Paths.Set("/_refresh", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "Re-run discovery and report drift against the previous catalog",
			OperationID: "refreshCatalog",
			Responses:   newResponses("200", "Drift report", object),
		},
	})
	doc.Paths.Set("/healthz", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "Liveness probe",
			OperationID: "healthz",
			Security:    &openapi3.SecurityRequirements{},
			Responses:   newResponses("200", "Process is running", object),
		},
	})
	doc.Paths.Set("/readyz", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "Readiness probe: catalog loaded and database reachable",
			OperationID: "readyz",
			Security:    &openapi3.SecurityRequirements{},
			Responses:   newResponses("200", "Ready", object),
		},
	})
}

// ─── Response Helpers ───────────────────────────────────────────────────────

// tileResponses documents every status the tile endpoint can answer with.
func tileResponses(format model.TileFormat) *openapi3.Responses {
	responses := openapi3.NewResponses()

	okDesc := "Encoded tile; composite tiles hold one layer per source in request order"
	responses.Set("200", &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &okDesc,
			Content: openapi3.Content{
				format.ContentType(): &openapi3.MediaType{
					Schema: &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "binary"}},
				},
			},
		},
	})
	emptyDesc := "No features in this tile"
	responses.Set("204", &openapi3.ResponseRef{Value: &openapi3.Response{Description: &emptyDesc}})

	addErrorResponses(responses, map[string]string{
		"400": "Coordinate out of range or invalid parameter",
		"404": "Unknown source",
		"409": "Ambiguous source identifier",
		"503": "No database connection available",
	})
	return responses
}

// newResponses builds a Responses map with a success response and standard error responses.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	responses := openapi3.NewResponses()

	successDesc := description
	responses.Set(statusCode, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &successDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	})
	addErrorResponses(responses, map[string]string{"404": "Not found"})
	return responses
}

// addErrorResponses adds the given statuses plus 401 and 500, all carrying
// the error envelope.
func addErrorResponses(responses *openapi3.Responses, statuses map[string]string) {
	errorRef := openapi3.NewSchemaRef("#/components/schemas/ErrorResponse", nil)
	statuses["401"] = "Unauthorized"
	statuses["500"] = "Internal server error"
	for code, desc := range statuses {
		d := desc
		responses.Set(code, &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &d,
				Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
			},
		})
	}
}

func errorSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"object"},
						Properties: openapi3.Schemas{
							"code":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
							"message": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
							"context": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
						},
					},
				},
			},
		},
	}
}

func tileJSONSchema() *openapi3.SchemaRef {
	str := func() *openapi3.SchemaRef { return openapi3.NewStringSchema().NewRef() }
	integer := func() *openapi3.SchemaRef { return openapi3.NewIntegerSchema().NewRef() }
	numbers := openapi3.NewArraySchema().WithItems(openapi3.NewFloat64Schema())
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:     &openapi3.Types{"object"},
			Required: []string{"tilejson", "tiles", "vector_layers"},
			Properties: openapi3.Schemas{
				"tilejson":    str(),
				"name":        str(),
				"description": str(),
				"tiles":       openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema()).NewRef(),
				"format":      str(),
				"scheme":      str(),
				"bounds":      numbers.NewRef(),
				"center":      numbers.NewRef(),
				"minzoom":     integer(),
				"maxzoom":     integer(),
				"attribution": str(),
				"vector_layers": openapi3.NewArraySchema().WithItems(&openapi3.Schema{
					Type: &openapi3.Types{"object"},
					Properties: openapi3.Schemas{
						"id":      str(),
						"fields":  openapi3.NewObjectSchema().WithAdditionalProperties(openapi3.NewStringSchema()).NewRef(),
						"minzoom": integer(),
						"maxzoom": integer(),
					},
				}).NewRef(),
			},
		},
	}
}

// propertiesSchema describes the feature attributes of a table source.
func propertiesSchema(props []model.Property) *openapi3.SchemaRef {
	schema := &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Properties: make(openapi3.Schemas, len(props)),
	}
	for _, p := range props {
		m := MapPropertyType(p.Type)
		schema.Properties[p.Name] = &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{m.Type}, Format: m.Format}}
	}
	return &openapi3.SchemaRef{Value: schema}
}

// ─── Naming Helpers ─────────────────────────────────────────────────────────

// sanitizeSchemaName creates a valid OpenAPI component name from a source id.
func sanitizeSchemaName(id string) string {
	var b strings.Builder
	for _, part := range strings.FieldsFunc(id, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) {
		b.WriteString(capitalize(part))
	}
	return b.String()
}

// capitalize returns a string with its first character uppercased.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
