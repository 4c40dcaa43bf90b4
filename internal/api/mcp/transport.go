package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
)

// maxLine bounds one request line.
const maxLine = 4 * 1024 * 1024

// StdioTransport reads line-delimited JSON-RPC 2.0 requests and writes one
// response line per request. Diagnostics go to stderr only; any stray byte
// on the output would corrupt the protocol framing.
type StdioTransport struct {
	server *Server
	in     io.Reader
	out    io.Writer
	logger *log.Logger
}

// NewStdioTransport constructs a transport reading from in and writing to out.
func NewStdioTransport(srv *Server, in io.Reader, out io.Writer) *StdioTransport {
	return &StdioTransport{
		server: srv,
		in:     in,
		out:    out,
		logger: log.New(os.Stderr, "mnemo-mcp: ", log.LstdFlags),
	}
}

// Serve handles requests in arrival order until in is exhausted or ctx is
// cancelled.
func (t *StdioTransport) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					return fmt.Errorf("stdin scanner: %w", err)
				}
				return nil
			}
			if len(line) == 0 {
				continue
			}
			resp, err := t.server.HandleRequest(ctx, line)
			if err != nil {
				t.logger.Printf("handler error: %v", err)
				resp = internalErrorResponse(line, err)
			}
			if resp == nil {
				continue // notification
			}
			if _, err := fmt.Fprintf(t.out, "%s\n", resp); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
		}
	}
}

// internalErrorResponse builds a best-effort error frame carrying the
// request ID when it can be recovered.
func internalErrorResponse(rawRequest []byte, handlerErr error) []byte {
	var partial struct {
		ID any `json:"id"`
	}
	_ = json.Unmarshal(rawRequest, &partial)

	data, err := json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      partial.ID,
		Error:   &JSONRPCError{Code: ErrCodeInternalError, Message: handlerErr.Error()},
	})
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}
