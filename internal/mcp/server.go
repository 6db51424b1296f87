// Package mcp exposes a read-only MCP tool surface over the keeper's
// dispatcher. AI agents never receive plaintext secrets: passwords are
// masked and only the dispatcher decides what leaves the trust boundary.
package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Ilya37/kdbxkeeper/internal/dispatcher"
)

// Version is reported in the MCP handshake.
const Version = "1.0.0"

// Server wraps an MCP server bound to a running keeper.
type Server struct {
	server *mcp.Server
	keeper *dispatcher.Keeper
}

// NewServer builds the MCP server and registers its tools. The keeper must
// already be started.
func NewServer(k *dispatcher.Keeper) *Server {
	s := &Server{
		server: mcp.NewServer(
			&mcp.Implementation{Name: "kdbxkeeper", Version: Version},
			nil,
		),
		keeper: k,
	}
	s.registerTools()
	return s
}

// registerTools registers the read-only tool set.
func (s *Server) registerTools() {
	// entry_list — titles and metadata only, passwords masked out entirely.
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "entry_list",
		Description: "List vault entries with titles, usernames, URLs, and tags. Does NOT return passwords. Requires the vault to be unlocked.",
	}, s.handleEntryList)

	// entry_get_masked — shape of a password without its value.
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "entry_get_masked",
		Description: "Get one entry with its password masked (e.g. '****2f'). Useful to verify an entry exists without exposing the secret.",
	}, s.handleEntryGetMasked)

	// entries_for_url — the autofill lookup.
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "entries_for_url",
		Description: "Find entries matching a URL's host. Returns ids, titles, usernames, URLs, and tags, never passwords; an empty list when the vault is locked.",
	}, s.handleEntriesForURL)

	// storage_health — persistence diagnostics.
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "storage_health",
		Description: "Report storage health: sizes, last sync time, integrity flag, and retained version window.",
	}, s.handleStorageHealth)

	// generate_password — no vault access at all.
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "generate_password",
		Description: "Generate a cryptographically secure password with configurable length and character classes.",
	}, s.handleGeneratePassword)
}

// Run serves MCP over stdio until the context ends.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}
