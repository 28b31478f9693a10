// Package logging configures structured JSON logging for policyrag.
//
// Logs go to a size-rotated file under ~/.policyrag/logs/ and, outside MCP
// stdio mode, to stderr as well. The same rotating writer backs the query
// audit trail. 'policyrag logs' reads the file back through Viewer.
package logging
