// Copyright llxprt Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package gcp mirrors the Gemini generateContent wire shapes the runtime
// speaks. Content and Part reuse google.golang.org/genai types directly;
// function declarations are declared locally because the genai Schema type
// cannot carry an arbitrary sanitized JSON Schema map.
package gcp

import (
	"google.golang.org/genai"
)

// GenerateContentRequest is the request body for
// models/<model>:streamGenerateContent and :generateContent.
//
// https://github.com/googleapis/go-genai/blob/main/types.go
type GenerateContentRequest struct {
	// Contains the multipart content of the conversation.
	Contents []genai.Content `json:"contents"`
	// Optional. Instructions for the model, outside the turn order.
	SystemInstruction *genai.Content `json:"systemInstruction,omitempty"`
	// Tool details the model may use to generate a response.
	Tools []Tool `json:"tools,omitempty"`
	// Optional. Generation config, including thinking configuration.
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
}

// Tool groups function declarations.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

// FunctionDeclaration declares one callable function. Parameters is a
// sanitized JSON Schema object passed through as-is.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// GenerationConfig is the subset of generation parameters the runtime sets.
type GenerationConfig struct {
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// ThinkingConfig controls thought output.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
	ThinkingBudget  *int `json:"thinkingBudget,omitempty"`
}

// CodeAssistRequest is the Cloud Code Assist internal envelope used in OAuth
// mode: the standard request nests under "request" alongside project routing
// fields.
type CodeAssistRequest struct {
	Model        string                 `json:"model"`
	Project      string                 `json:"project,omitempty"`
	UserPromptID string                 `json:"user_prompt_id,omitempty"`
	Request      GenerateContentRequest `json:"request"`
}

// GenerateContentResponse is one response frame, streaming or not.
type GenerateContentResponse struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// CodeAssistResponse is the Code Assist wrapper around a response frame.
type CodeAssistResponse struct {
	Response *GenerateContentResponse `json:"response,omitempty"`
}

// Candidate is one generated candidate.
type Candidate struct {
	Content      *genai.Content `json:"content,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
	Index        int            `json:"index,omitempty"`
}

// UsageMetadata is the Gemini token accounting object.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
}

// ModelList is the response of GET /v1beta/models.
type ModelList struct {
	Models []Model `json:"models"`
}

// Model is one entry of a model list response. Name has the form
// "models/gemini-2.5-pro".
type Model struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
}
