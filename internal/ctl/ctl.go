// Package ctl is the daemon's operator control plane: a Unix-domain
// socket serving single-line JSON requests from numacachectl to inspect
// partition occupancy, force a flush, or simulate a command split,
// without giving the operator direct access to the cache's internals.
package ctl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/stonybrook/tgt-numacache/internal/cache"
	"github.com/stonybrook/tgt-numacache/internal/diag"
	"github.com/stonybrook/tgt-numacache/internal/scsi"
	"github.com/stonybrook/tgt-numacache/internal/splitter"
)

// Request is one line sent by numacachectl to the daemon.
type Request struct {
	Op string `json:"op"`

	// Split request fields.
	Opcode     byte   `json:"opcode,omitempty"`
	LBA        uint64 `json:"lba,omitempty"`
	Length     int64  `json:"length,omitempty"`      //nolint:tagliatelle
	BlockShift uint8  `json:"block_shift,omitempty"` //nolint:tagliatelle

	// Flush request fields.
	LUN uint32 `json:"lun,omitempty"`
}

// Response is the daemon's reply to one Request.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	Stats *diag.Snapshot `json:"stats,omitempty"`
	Split *SplitResult   `json:"split,omitempty"`
}

// SplitResult mirrors the sub-requests the splitter would generate for a
// simulated command, for an operator to sanity-check the affinity
// algorithm without issuing a real I/O.
type SplitResult struct {
	PreferredNode int               `json:"preferred_node"` //nolint:tagliatelle
	SubRequests   []scsi.SubRequest `json:"sub_requests"`   //nolint:tagliatelle
}

// FlushFunc drains one LUN's write-back queue on demand; the daemon
// supplies this from its running Flusher set.
type FlushFunc func(ctx context.Context, lun uint32) error

// Server listens on a Unix socket and answers control requests against a
// live host cache.
type Server struct {
	hc       *cache.HostCache
	splitter *splitter.Splitter
	flush    FlushFunc
	log      *zap.Logger

	listener net.Listener
}

// NewServer builds a Server over hc. flush may be nil if write-back is
// disabled, in which case "flush" requests return an error.
func NewServer(hc *cache.HostCache, sp *splitter.Splitter, flush FlushFunc, log *zap.Logger) *Server {
	return &Server{hc: hc, splitter: sp, flush: flush, log: log}
}

// Serve binds socketPath (removing any stale socket left by a previous
// run) and answers requests until ctx is canceled.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	_ = os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("ctl: listen on %s: %w", socketPath, err)
	}

	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				if s.log != nil {
					s.log.Warn("ctl: accept failed", zap.Error(err))
				}

				continue
			}
		}

		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = enc.Encode(Response{OK: false, Error: err.Error()})
			continue
		}

		_ = enc.Encode(s.dispatch(ctx, req))
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Op {
	case "stats":
		snap := diag.Collect(s.hc, time.Now())
		return Response{OK: true, Stats: &snap}

	case "flush":
		if s.flush == nil {
			return Response{OK: false, Error: "write-back is not enabled"}
		}

		if err := s.flush(ctx, req.LUN); err != nil {
			return Response{OK: false, Error: err.Error()}
		}

		return Response{OK: true}

	case "split":
		cmd := &scsi.Command{
			Opcode:     scsi.Opcode(req.Opcode),
			BlockShift: req.BlockShift,
			Offset:     int64(req.LBA) << req.BlockShift,
			Length:     req.Length,
			Buffer:     make([]byte, req.Length),
		}

		node, err := s.splitter.Split(cmd)
		if err != nil {
			return Response{OK: false, Error: err.Error()}
		}

		return Response{OK: true, Split: &SplitResult{PreferredNode: node, SubRequests: cmd.Sub}}

	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

// Client is numacachectl's thin wrapper around the line-JSON protocol.
type Client struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

// Dial connects to a running daemon's control socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ctl: dial %s: %w", socketPath, err)
	}

	return &Client{conn: conn, enc: json.NewEncoder(conn), dec: json.NewDecoder(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends req and returns the daemon's Response.
func (c *Client) Call(req Request) (Response, error) {
	if err := c.enc.Encode(req); err != nil {
		return Response{}, fmt.Errorf("ctl: send request: %w", err)
	}

	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("ctl: read response: %w", err)
	}

	return resp, nil
}
