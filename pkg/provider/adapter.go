package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const callTimeout = 10 * time.Second

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      interface{} `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// adapter owns one provider child process and its stdio JSON-RPC
// conversation. Requests carry numeric IDs; the read loop resolves
// them against a pending-call map, so calls may overlap freely.
type adapter struct {
	name    string
	command string
	args    []string
	env     map[string]string

	// onExit fires after the process has been reaped, whether it was
	// stopped or died on its own
	onExit func()

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	exited  bool
	id      int
	pending map[int]chan *rpcResponse

	readDone chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newAdapter(name, command string, args []string, env map[string]string) *adapter {
	return &adapter{
		name:    name,
		command: command,
		args:    args,
		env:     env,
		pending: make(map[int]chan *rpcResponse),
	}
}

// start spawns the process and performs the initialize handshake
func (a *adapter) start(ctx context.Context) error {
	a.mu.Lock()
	if a.cmd != nil {
		a.mu.Unlock()
		return nil
	}

	cmd := exec.Command(a.command, a.args...)
	cmd.Env = os.Environ()
	for k, v := range a.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("failed to spawn provider %s: %w", a.name, err)
	}

	a.cmd = cmd
	a.stdin = stdin
	a.readDone = make(chan struct{})
	a.done = make(chan struct{})
	a.mu.Unlock()

	go a.listen(stdout)
	go a.waitExit()

	if err := a.initialize(ctx); err != nil {
		a.stop()
		return fmt.Errorf("provider %s initialize failed: %w", a.name, err)
	}
	return nil
}

// listen reads line-delimited responses. Partial writes are handled by
// the buffered line reads; a line that is not valid JSON is skipped
// since providers may interleave diagnostics on stdout.
func (a *adapter) listen(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var resp rpcResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue
		}

		id, ok := resp.ID.(float64)
		if !ok {
			continue
		}

		a.mu.Lock()
		ch, exists := a.pending[int(id)]
		if exists {
			delete(a.pending, int(id))
		}
		a.mu.Unlock()
		if exists {
			ch <- &resp
		}
	}

	// Process output ended: fail every caller still waiting.
	a.mu.Lock()
	for id, ch := range a.pending {
		delete(a.pending, id)
		close(ch)
	}
	a.mu.Unlock()

	close(a.readDone)
}

// waitExit reaps the process once its stdout closes and marks the
// adapter dead. This is the only caller of Wait, so the crash and
// stop paths converge on a single reap before done is signaled.
func (a *adapter) waitExit() {
	<-a.readDone
	err := a.cmd.Wait()

	a.mu.Lock()
	a.exited = true
	a.stdin = nil
	a.mu.Unlock()

	close(a.done)
	if err != nil {
		log.Debug().Err(err).Str("provider", a.name).Msg("Provider process exited")
	}
	if a.onExit != nil {
		a.onExit()
	}
}

func (a *adapter) initialize(ctx context.Context) error {
	_, err := a.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "quarterdeck",
			"version": "0.1.0",
		},
	})
	return err
}

func (a *adapter) call(ctx context.Context, method string, params interface{}) (*rpcResponse, error) {
	a.mu.Lock()
	if a.stdin == nil || a.exited {
		a.mu.Unlock()
		return nil, fmt.Errorf("provider %s is not running", a.name)
	}
	a.id++
	id := a.id
	ch := make(chan *rpcResponse, 1)
	a.pending[id] = ch
	stdin := a.stdin
	a.mu.Unlock()

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return nil, err
	}

	if _, err := stdin.Write(append(data, '\n')); err != nil {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return nil, fmt.Errorf("failed to write to provider %s: %w", a.name, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("provider %s exited mid-call", a.name)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("provider %s error (%d): %s", a.name, resp.Error.Code, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return nil, ctx.Err()
	case <-time.After(callTimeout):
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
		return nil, fmt.Errorf("provider %s request timed out", a.name)
	}
}

// listTools requests tools/list and returns the declared capabilities
func (a *adapter) listTools(ctx context.Context) ([]Capability, error) {
	resp, err := a.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var listResult struct {
		Tools []Capability `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &listResult); err != nil {
		return nil, fmt.Errorf("provider %s returned malformed tool list: %w", a.name, err)
	}
	return listResult.Tools, nil
}

// callTool invokes one tool by name over tools/call
func (a *adapter) callTool(ctx context.Context, tool string, args map[string]interface{}) (json.RawMessage, error) {
	resp, err := a.call(ctx, "tools/call", map[string]interface{}{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (a *adapter) pid() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cmd == nil || a.cmd.Process == nil {
		return 0
	}
	return a.cmd.Process.Pid
}

// alive reports whether the process has been started and not yet
// reaped; a zombie child counts as dead
func (a *adapter) alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cmd != nil && !a.exited
}

// stop terminates the process and waits for the reap. Safe to call
// concurrently and after a natural exit.
func (a *adapter) stop() {
	a.mu.Lock()
	cmd := a.cmd
	stdin := a.stdin
	a.mu.Unlock()

	if cmd == nil {
		return
	}

	a.stopOnce.Do(func() {
		if stdin != nil {
			_ = stdin.Close()
		}
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}

		select {
		case <-a.done:
		case <-time.After(3 * time.Second):
			log.Warn().Str("provider", a.name).Msg("Provider did not exit in time, killing")
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		}
	})

	<-a.done
}
