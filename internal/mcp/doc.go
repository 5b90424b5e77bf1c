// Package mcp exposes thoughtd to MCP clients over stdio.
//
// Tools call the services registry directly: thought_submit goes through the
// dedup gate, thought_search through the search service and tenant_cursor
// reports a tenant's consumer-group position and lag.
package mcp
