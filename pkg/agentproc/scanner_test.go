package agentproc

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolScanner(t *testing.T) {
	t.Run("extracts a complete block from one chunk", func(t *testing.T) {
		ts := newToolScanner(0)

		reqs := ts.feed([]byte(`thinking... [[tool-request]]{"tool":"web_search","description":"look it up","parameters":{"query":"go"}}[[/tool-request]] done`))

		require.Len(t, reqs, 1)
		assert.Equal(t, "web_search", reqs[0].Name)
		assert.Equal(t, "look it up", reqs[0].Description)
		assert.Equal(t, "go", reqs[0].Parameters["query"])
	})

	t.Run("handles delimiters split across chunk boundaries", func(t *testing.T) {
		ts := newToolScanner(0)
		full := `[[tool-request]]{"tool":"read_file","parameters":{"path":"a.txt"}}[[/tool-request]]`

		// Feed one byte at a time, the worst possible chunking.
		var reqs []ToolRequest
		for i := 0; i < len(full); i++ {
			reqs = append(reqs, ts.feed([]byte{full[i]})...)
		}

		require.Len(t, reqs, 1)
		assert.Equal(t, "read_file", reqs[0].Name)
	})

	t.Run("extracts multiple blocks from one chunk", func(t *testing.T) {
		ts := newToolScanner(0)

		reqs := ts.feed([]byte(`[[tool-request]]{"tool":"a"}[[/tool-request]]noise[[tool-request]]{"tool":"b"}[[/tool-request]]`))

		require.Len(t, reqs, 2)
		assert.Equal(t, "a", reqs[0].Name)
		assert.Equal(t, "b", reqs[1].Name)
	})

	t.Run("drops malformed JSON silently", func(t *testing.T) {
		ts := newToolScanner(0)

		reqs := ts.feed([]byte(`[[tool-request]]not json at all[[/tool-request]]`))
		assert.Empty(t, reqs)

		// Scanner stays usable afterwards.
		reqs = ts.feed([]byte(`[[tool-request]]{"tool":"ok"}[[/tool-request]]`))
		require.Len(t, reqs, 1)
		assert.Equal(t, "ok", reqs[0].Name)
	})

	t.Run("drops blocks missing the tool name", func(t *testing.T) {
		ts := newToolScanner(0)

		reqs := ts.feed([]byte(`[[tool-request]]{"description":"anonymous"}[[/tool-request]]`))
		assert.Empty(t, reqs)
	})

	t.Run("discards oversized blocks and recovers", func(t *testing.T) {
		ts := newToolScanner(128)

		huge := fmt.Sprintf(`[[tool-request]]{"tool":"big","description":"%s"}[[/tool-request]]`, strings.Repeat("x", 4096))
		reqs := ts.feed([]byte(huge))
		assert.Empty(t, reqs)

		reqs = ts.feed([]byte(`[[tool-request]]{"tool":"small"}[[/tool-request]]`))
		require.Len(t, reqs, 1)
		assert.Equal(t, "small", reqs[0].Name)
	})

	t.Run("oversized block split across chunks still recovers", func(t *testing.T) {
		ts := newToolScanner(64)

		ts.feed([]byte(`[[tool-request]]{"tool":"big","description":"`))
		for i := 0; i < 32; i++ {
			assert.Empty(t, ts.feed([]byte(strings.Repeat("y", 16))))
		}
		assert.Empty(t, ts.feed([]byte(`"}[[/tool-req`)))
		assert.Empty(t, ts.feed([]byte(`uest]]`)))

		reqs := ts.feed([]byte(`[[tool-request]]{"tool":"after"}[[/tool-request]]`))
		require.Len(t, reqs, 1)
		assert.Equal(t, "after", reqs[0].Name)
	})

	t.Run("plain output produces nothing", func(t *testing.T) {
		ts := newToolScanner(0)

		assert.Empty(t, ts.feed([]byte("just regular agent chatter\n")))
		assert.Empty(t, ts.feed([]byte("with [brackets] but no protocol\n")))
	})
}

func TestTailOverlap(t *testing.T) {
	delim := []byte("[[tool-request]]")

	assert.Equal(t, []byte("[[tool-req"), tailOverlap([]byte("output [[tool-req"), delim))
	assert.Nil(t, tailOverlap([]byte("no overlap here"), delim))
	assert.Equal(t, []byte("["), tailOverlap([]byte("trailing ["), delim))
	assert.Nil(t, tailOverlap(nil, delim))
}
