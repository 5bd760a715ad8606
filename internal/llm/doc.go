// Package llm defines the provider-neutral chat completion contract used by
// the agent loop: role-tagged messages, function-style tool schemas and a
// response that carries either text or tool calls plus a finish reason.
// Concrete gateways live in the openai and pythonbridge subpackages.
package llm
