// Package agentdesk is a small Go client for the AgentDesk HTTP API. It
// depends only on the standard library so it can be vendored into callers
// without pulling in the service's stack.
package agentdesk
