package agentproc

import (
	"bytes"
	"encoding/json"
)

var (
	blockStart = []byte("[[tool-request]]")
	blockEnd   = []byte("[[/tool-request]]")
)

// defaultBlockLimit bounds how much of a tool-request block the scanner
// retains while waiting for the closing delimiter. A block exceeding it
// is discarded and scanning resumes after the delimiter.
const defaultBlockLimit = 64 * 1024

// toolScanner incrementally extracts tool-request blocks from agent
// output. Blocks and delimiters may arrive split across arbitrary chunk
// boundaries, so unprocessed bytes carry over between feeds.
type toolScanner struct {
	buf        []byte
	inBlock    bool
	discarding bool
	limit      int
}

func newToolScanner(limit int) *toolScanner {
	if limit <= 0 {
		limit = defaultBlockLimit
	}
	return &toolScanner{limit: limit}
}

// feed consumes one output chunk and returns any complete, well-formed
// tool requests it finished. Malformed JSON inside a complete block is
// dropped silently: it may be interleaved non-protocol output.
func (ts *toolScanner) feed(chunk []byte) []ToolRequest {
	ts.buf = append(ts.buf, chunk...)

	var requests []ToolRequest
	for {
		if !ts.inBlock {
			idx := bytes.Index(ts.buf, blockStart)
			if idx < 0 {
				// Keep only a tail that could be a split start delimiter.
				ts.buf = tailOverlap(ts.buf, blockStart)
				return requests
			}
			ts.buf = ts.buf[idx+len(blockStart):]
			ts.inBlock = true
			ts.discarding = false
		}

		idx := bytes.Index(ts.buf, blockEnd)
		if idx < 0 {
			if len(ts.buf) > ts.limit {
				ts.discarding = true
			}
			if ts.discarding {
				// Block is oversized: drop the body, keep a tail that
				// could be a split end delimiter.
				ts.buf = tailOverlap(ts.buf, blockEnd)
			}
			return requests
		}

		if !ts.discarding && idx <= ts.limit {
			if req, ok := parseToolRequest(ts.buf[:idx]); ok {
				requests = append(requests, req)
			}
		}

		ts.buf = ts.buf[idx+len(blockEnd):]
		ts.inBlock = false
		ts.discarding = false
	}
}

func parseToolRequest(body []byte) (ToolRequest, bool) {
	var req ToolRequest
	if err := json.Unmarshal(bytes.TrimSpace(body), &req); err != nil {
		return ToolRequest{}, false
	}
	if req.Name == "" {
		return ToolRequest{}, false
	}
	return req, true
}

// tailOverlap returns the longest suffix of data that is a proper
// prefix of delim, so a delimiter split across chunks still matches.
func tailOverlap(data, delim []byte) []byte {
	max := len(delim) - 1
	if max > len(data) {
		max = len(data)
	}
	for n := max; n > 0; n-- {
		if bytes.HasPrefix(delim, data[len(data)-n:]) {
			return append([]byte(nil), data[len(data)-n:]...)
		}
	}
	return nil
}
