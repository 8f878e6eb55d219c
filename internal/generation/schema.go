package generation

import "encoding/json"

// NodeDraftSchemaName - имя схемы для response_format.json_schema.
const NodeDraftSchemaName = "story_node"

// JSONSchema - JSON схема в виде map, пригодная для OpenAI response_format и Ollama format.
type JSONSchema map[string]interface{}

// MarshalJSON реализует json.Marshaler (нужен для ChatCompletionResponseFormatJSONSchema).
func (s JSONSchema) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}(s))
}

// NodeDraftSchema возвращает схему ответа генератора для одного узла истории.
// В strict-режиме OpenAI все поля обязательны, поэтому title присутствует всегда
// и пуст для всех узлов, кроме корня.
func NodeDraftSchema() JSONSchema {
	return JSONSchema{
		"type":                 "object",
		"description":          "A single node of a choose-your-own-adventure story.",
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"title": map[string]interface{}{
				"type":        "string",
				"description": "Story title. Only for the first node of the story, otherwise an empty string.",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The current situation, written in second person.",
			},
			"is_ending": map[string]interface{}{
				"type":        "boolean",
				"description": "True if the story ends at this node.",
			},
			"is_winning_ending": map[string]interface{}{
				"type":        "boolean",
				"description": "True if the ending is a victory. Must be false when is_ending is false.",
			},
			"options": map[string]interface{}{
				"type":        "array",
				"description": "Exactly 2 choices for a non-ending node, empty for an ending node.",
				"items": map[string]interface{}{
					"type":                 "object",
					"additionalProperties": false,
					"properties": map[string]interface{}{
						"text": map[string]interface{}{
							"type":        "string",
							"description": "What the player can do.",
						},
						"outcome": map[string]interface{}{
							"type":        "string",
							"description": "What this choice leads to.",
						},
					},
					"required": []string{"text", "outcome"},
				},
			},
		},
		"required": []string{"title", "content", "is_ending", "is_winning_ending", "options"},
	}
}
