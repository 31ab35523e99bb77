package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// planDocumentSchema validates plan documents before they are turned into
// task nodes. Structural problems are reported here; cycle and reference
// checks happen in New.
const planDocumentSchema = `{
	"type": "object",
	"required": ["nodes"],
	"additionalProperties": false,
	"properties": {
		"nodes": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "description"],
				"additionalProperties": false,
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"description": {"type": "string", "minLength": 1},
					"agent_type": {"type": "string"},
					"dependencies": {
						"type": "array",
						"items": {"type": "string", "minLength": 1}
					}
				}
			}
		}
	}
}`

// planDocument mirrors the on-disk plan file format.
type planDocument struct {
	Nodes []struct {
		ID           string   `json:"id"`
		Description  string   `json:"description"`
		AgentType    string   `json:"agent_type"`
		Dependencies []string `json:"dependencies"`
	} `json:"nodes"`
}

// DefaultAgentType is assigned to nodes that don't name an agent type.
const DefaultAgentType = "general"

// ParseDocument validates raw plan JSON against the plan schema and returns
// the task nodes it describes.
func ParseDocument(data []byte) ([]*models.TaskNode, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(planDocumentSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("validate plan document: %w", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("invalid plan document: %v", msgs)
	}

	var doc planDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse plan document: %w", err)
	}

	now := time.Now()
	nodes := make([]*models.TaskNode, 0, len(doc.Nodes))
	for _, n := range doc.Nodes {
		agentType := n.AgentType
		if agentType == "" {
			agentType = DefaultAgentType
		}
		nodes = append(nodes, &models.TaskNode{
			ID:           n.ID,
			Description:  n.Description,
			AgentType:    agentType,
			Status:       models.TaskStatusPending,
			Dependencies: n.Dependencies,
			CreatedAt:    now,
		})
	}

	return nodes, nil
}

// ParseFile reads and parses a plan document from disk. YAML files are
// converted to JSON before validation so both formats share one schema.
func ParseFile(path string) ([]*models.TaskNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse plan YAML: %w", err)
		}
		data, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert plan YAML: %w", err)
		}
	}

	return ParseDocument(data)
}
