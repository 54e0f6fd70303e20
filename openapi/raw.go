package openapi

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Raw wire representation of an OpenAPI document. Field set follows what the
// normalizer consumes; unknown fields are ignored.

type rawSpec struct {
	OpenAPI    string                 `json:"openapi" yaml:"openapi"`
	Info       rawInfo                `json:"info" yaml:"info"`
	Servers    []rawServer            `json:"servers" yaml:"servers"`
	Paths      map[string]rawPathItem `json:"paths" yaml:"paths"`
	Components *rawComponents         `json:"components" yaml:"components"`
}

type rawInfo struct {
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	Version     string `json:"version" yaml:"version"`
}

type rawServer struct {
	URL         string                       `json:"url" yaml:"url"`
	Description string                       `json:"description" yaml:"description"`
	Variables   map[string]rawServerVariable `json:"variables" yaml:"variables"`
}

type rawServerVariable struct {
	Default string `json:"default" yaml:"default"`
}

type rawPathItem struct {
	Get        *rawOperation  `json:"get" yaml:"get"`
	Post       *rawOperation  `json:"post" yaml:"post"`
	Put        *rawOperation  `json:"put" yaml:"put"`
	Patch      *rawOperation  `json:"patch" yaml:"patch"`
	Delete     *rawOperation  `json:"delete" yaml:"delete"`
	Head       *rawOperation  `json:"head" yaml:"head"`
	Options    *rawOperation  `json:"options" yaml:"options"`
	Parameters []rawParameter `json:"parameters" yaml:"parameters"`
}

// operations returns the defined operations keyed by HTTP method.
func (pi rawPathItem) operations() map[string]*rawOperation {
	out := make(map[string]*rawOperation, 7)
	for method, op := range map[string]*rawOperation{
		"GET": pi.Get, "POST": pi.Post, "PUT": pi.Put, "PATCH": pi.Patch,
		"DELETE": pi.Delete, "HEAD": pi.Head, "OPTIONS": pi.Options,
	} {
		if op != nil {
			out[method] = op
		}
	}
	return out
}

type rawOperation struct {
	OperationID string                 `json:"operationId" yaml:"operationId"`
	Summary     string                 `json:"summary" yaml:"summary"`
	Description string                 `json:"description" yaml:"description"`
	Parameters  []rawParameter         `json:"parameters" yaml:"parameters"`
	RequestBody *rawRequestBody        `json:"requestBody" yaml:"requestBody"`
	Responses   map[string]rawResponse `json:"responses" yaml:"responses"`
	Tags        []string               `json:"tags" yaml:"tags"`
}

type rawParameter struct {
	Ref         string  `json:"$ref" yaml:"$ref"`
	Name        string  `json:"name" yaml:"name"`
	In          string  `json:"in" yaml:"in"`
	Description string  `json:"description" yaml:"description"`
	Required    bool    `json:"required" yaml:"required"`
	Schema      *Schema `json:"schema" yaml:"schema"`
}

type rawRequestBody struct {
	Ref      string                  `json:"$ref" yaml:"$ref"`
	Required bool                    `json:"required" yaml:"required"`
	Content  map[string]rawMediaType `json:"content" yaml:"content"`
}

type rawMediaType struct {
	Schema *Schema `json:"schema" yaml:"schema"`
}

type rawResponse struct {
	Description string                  `json:"description" yaml:"description"`
	Content     map[string]rawMediaType `json:"content" yaml:"content"`
}

type rawComponents struct {
	Schemas         map[string]*Schema           `json:"schemas" yaml:"schemas"`
	Parameters      map[string]rawParameter      `json:"parameters" yaml:"parameters"`
	RequestBodies   map[string]rawRequestBody    `json:"requestBodies" yaml:"requestBodies"`
	SecuritySchemes map[string]rawSecurityScheme `json:"securitySchemes" yaml:"securitySchemes"`
}

type rawSecurityScheme struct {
	Type         string         `json:"type" yaml:"type"`
	Name         string         `json:"name" yaml:"name"`
	In           string         `json:"in" yaml:"in"`
	Scheme       string         `json:"scheme" yaml:"scheme"`
	BearerFormat string         `json:"bearerFormat" yaml:"bearerFormat"`
	Flows        *rawOAuthFlows `json:"flows" yaml:"flows"`
}

type rawOAuthFlows struct {
	ClientCredentials *rawOAuthFlow `json:"clientCredentials" yaml:"clientCredentials"`
}

type rawOAuthFlow struct {
	TokenURL string            `json:"tokenUrl" yaml:"tokenUrl"`
	Scopes   map[string]string `json:"scopes" yaml:"scopes"`
}

// decodeRaw parses JSON or YAML input into the raw model. JSON documents are
// recognized by their first non-space byte.
func decodeRaw(data []byte) (*rawSpec, error) {
	var raw rawSpec
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		return &raw, nil
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return &raw, nil
}
