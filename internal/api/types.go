package api

import "github.com/samcharles93/moegpt/internal/model"

// GenerationRequest is the body of POST /v1/generations.
type GenerationRequest struct {
	Model string `json:"model,omitempty"`
	// Prefix is a (batch, len) token prompt. Empty starts from the start
	// token.
	Prefix        [][]int  `json:"prefix,omitempty"`
	Temperature   *float32 `json:"temperature,omitempty"`
	Deterministic bool     `json:"deterministic,omitempty"`
	// Seed makes sampling reproducible. When omitted the server picks one
	// and reports it in the response.
	Seed      *int64  `json:"seed,omitempty"`
	TopK      int     `json:"top_k,omitempty"`
	TopP      float32 `json:"top_p,omitempty"`
	Batch     bool    `json:"batch,omitempty"`
	BatchStop string  `json:"batch_stop,omitempty"`
	Store     *bool   `json:"store,omitempty"`
}

// Generation is a finished generation.
type Generation struct {
	ID        string  `json:"id"`
	Object    string  `json:"object"`
	Created   int64   `json:"created"`
	Model     string  `json:"model"`
	Prefix    [][]int `json:"prefix"`
	Seed      int64   `json:"seed"`
	Tokens    []int   `json:"tokens,omitempty"`
	Sequences [][]int `json:"sequences,omitempty"`
	// Finished reports whether single-sequence decoding emitted the end
	// token.
	Finished bool `json:"finished,omitempty"`
}

type DeleteGenerationResp struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type ModelInfo struct {
	ID         string       `json:"id"`
	Object     string       `json:"object"`
	Parameters int          `json:"parameters"`
	Config     model.Config `json:"config"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}
