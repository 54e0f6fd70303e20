package openapi

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/llmbridge/types"
)

// ToolGenerator converts normalized operations into LLM-callable tool
// definitions. Generation never aborts wholesale: an operation whose schema
// cannot be represented is skipped and reported, and the rest proceed.
type ToolGenerator struct {
	logger *zap.Logger
}

// NewToolGenerator creates a tool generator.
func NewToolGenerator(logger *zap.Logger) *ToolGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToolGenerator{logger: logger.With(zap.String("component", "tool_generator"))}
}

// Skipped records an operation the generator could not represent.
type Skipped struct {
	OperationID string
	Err         *types.Error
}

// toolSchema is the JSON-Schema parameter object emitted per tool.
type toolSchema struct {
	Type       string             `json:"type"`
	Properties map[string]*Schema `json:"properties"`
	Required   []string           `json:"required,omitempty"`
}

// Generate returns one ToolDefinition per representable operation, in
// document order, plus the identifiers of skipped operations. Tool names are
// unique: a second operation mapping to an already-used name is suffixed
// with a stable index.
func (g *ToolGenerator) Generate(doc *Document) ([]types.ToolDefinition, []Skipped) {
	tools := make([]types.ToolDefinition, 0, len(doc.Operations))
	var skipped []Skipped
	used := make(map[string]int)

	for _, op := range doc.Operations {
		def, err := g.operationToTool(op)
		if err != nil {
			skipped = append(skipped, Skipped{OperationID: op.ID, Err: err})
			g.logger.Warn("skipping operation",
				zap.String("operation", op.ID),
				zap.Error(err),
			)
			continue
		}

		used[def.Name]++
		if n := used[def.Name]; n > 1 {
			def.Name = fmt.Sprintf("%s_%d", def.Name, n)
			used[def.Name]++
		}
		tools = append(tools, def)
	}

	g.logger.Info("generated tools",
		zap.String("source", doc.Source),
		zap.Int("count", len(tools)),
		zap.Int("skipped", len(skipped)),
	)
	return tools, skipped
}

func (g *ToolGenerator) operationToTool(op Operation) (types.ToolDefinition, *types.Error) {
	for _, p := range op.Parameters {
		if p.Schema.HasCombinator() {
			return types.ToolDefinition{}, types.NewError(types.ErrSchemaUnsupported,
				fmt.Sprintf("parameter %q uses an unsupported schema combinator", p.Name)).
				WithOperation(op.ID)
		}
	}
	if op.RequestBody.HasCombinator() {
		return types.ToolDefinition{}, types.NewError(types.ErrSchemaUnsupported,
			"request body uses an unsupported schema combinator").
			WithOperation(op.ID)
	}

	properties := make(map[string]*Schema, len(op.Parameters)+1)
	var required []string
	for _, p := range op.Parameters {
		schema := p.Schema
		if schema == nil {
			schema = &Schema{Type: "string"}
		}
		if schema.Description == "" && p.Description != "" {
			copied := *schema
			copied.Description = p.Description
			schema = &copied
		}
		properties[p.Name] = schema
		if p.Required {
			required = append(required, p.Name)
		}
	}

	// Body schema nests under a "body" key only when a body exists, so body
	// properties never shadow path/query parameters.
	if op.RequestBody != nil {
		properties["body"] = op.RequestBody
		if op.BodyRequired {
			required = append(required, "body")
		}
	}

	params, err := json.Marshal(toolSchema{Type: "object", Properties: properties, Required: required})
	if err != nil {
		return types.ToolDefinition{}, types.NewError(types.ErrSchemaUnsupported, "schema is not serializable").
			WithOperation(op.ID).WithCause(err)
	}

	description := op.Summary
	if description == "" {
		description = op.Description
	}
	if description == "" {
		description = fmt.Sprintf("%s %s", op.Method, op.Path)
	}

	return types.ToolDefinition{
		Name:        op.ID,
		Description: description,
		Parameters:  params,
		Required:    required,
	}, nil
}
