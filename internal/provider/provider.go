// Package provider defines the embedding provider boundary. Responses are
// validated against a strict schema at the edge so the rest of the pipeline
// never sees an unchecked shape.
package provider

import "context"

// Usage reports the token consumption of a single provider call.
type Usage struct {
	PromptTokens int64
	TotalTokens  int64
}

// EmbedResponse is the validated result of one embedding call. Vectors are
// ordered to match the request inputs.
type EmbedResponse struct {
	Vectors [][]float32
	Usage   Usage
	Model   string
}

// Provider converts texts into fixed-dimension float vectors.
type Provider interface {
	// Embed returns one vector per input, in input order.
	Embed(ctx context.Context, inputs []string) (*EmbedResponse, error)

	// Dimensions returns the vector width the provider produces.
	Dimensions() int

	// EstimateCost approximates the dollar cost of embedding inputs,
	// used to reserve budget before the call is made.
	EstimateCost(inputs []string) float64

	// Cost converts reported usage into dollars.
	Cost(usage Usage) float64
}
