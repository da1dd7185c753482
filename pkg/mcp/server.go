package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pario-ai/tokenmeter/pkg/models"
)

// Accounts is the read-only view of the accounting engine the tools query.
type Accounts interface {
	Snapshot(ctx context.Context, id int64) (models.Snapshot, error)
	History(ctx context.Context, q models.HistoryQuery) (models.HistoryPage, error)
	Summary(ctx context.Context, id int64, since time.Time) ([]models.UsageSummary, error)
	Plans(ctx context.Context, visibleOnly bool) ([]models.Plan, error)
	Packages(ctx context.Context, visibleOnly bool) ([]models.TokenPackage, error)
}

// AuditSearcher queries the audit log.
type AuditSearcher interface {
	Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error)
}

// CacheStatter provides cache statistics without coupling to a concrete cache implementation.
type CacheStatter interface {
	Stats() (models.CacheStats, error)
}

// Server exposes read-only accounting tools over the Model Context Protocol.
type Server struct {
	accounts Accounts
	auditor  AuditSearcher
	cache    CacheStatter
	version  string
}

// New creates a new MCP Server. auditor and cache may be nil.
func New(accounts Accounts, auditor AuditSearcher, cache CacheStatter, version string) *Server {
	return &Server{
		accounts: accounts,
		auditor:  auditor,
		cache:    cache,
		version:  version,
	}
}

// Run serves newline-delimited JSON-RPC requests from r, writing answers to w,
// until r is exhausted or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, failure(nil, CodeParseError, "parse error"))
			continue
		}
		if resp := s.dispatch(ctx, &req); resp != nil {
			s.write(w, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if strings.HasPrefix(req.Method, "notifications/") {
		return nil
	}
	switch req.Method {
	case "initialize":
		return result(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "tokenmeter", Version: s.version},
		})
	case "ping":
		return result(req.ID, struct{}{})
	case "tools/list":
		return result(req.ID, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.callTool(ctx, req)
	default:
		return failure(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) callTool(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return failure(req.ID, CodeInvalidParams, "invalid params")
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return result(req.ID, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}

	start := time.Now()
	out := handler(ctx, s, params.Arguments)
	log.Debug().
		Str("component", "mcp").
		Str("tool", params.Name).
		Bool("is_error", out.IsError).
		Dur("took", time.Since(start)).
		Msg("tool call")
	return result(req.ID, out)
}

func (s *Server) write(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Str("component", "mcp").Msg("marshal response")
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		log.Error().Err(err).Str("component", "mcp").Msg("write response")
	}
}
