package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/halden/quarterdeck/internal/config"
	"github.com/halden/quarterdeck/pkg/agentproc"
	"github.com/halden/quarterdeck/pkg/fileops"
	"github.com/halden/quarterdeck/pkg/provider"
	"github.com/halden/quarterdeck/pkg/shell"
	"github.com/halden/quarterdeck/pkg/store"
)

// handlerTimeout bounds any single blocking handler call
const handlerTimeout = 30 * time.Second

func (s *Server) registerHandlers() {
	handlers := map[string]HandlerFunc{
		"agent:start": s.handleAgentStart,
		"agent:input": s.handleAgentInput,
		"agent:stop":  s.handleAgentStop,

		"tool:response": s.handleToolResponse,

		"file:read":      s.handleFileRead,
		"file:write":     s.handleFileWrite,
		"file:delete":    s.handleFileDelete,
		"directory:list": s.handleDirectoryList,

		"provider:list":         s.handleProviderList,
		"provider:add":          s.handleProviderAdd,
		"provider:remove":       s.handleProviderRemove,
		"provider:capabilities": s.handleProviderCapabilities,
		"provider:start":        s.handleProviderStart,
		"provider:stop":         s.handleProviderStop,
		"provider:restart":      s.handleProviderRestart,
		"provider:test":         s.handleProviderTest,
		"provider:invoke":       s.handleProviderInvoke,

		"project:switch": s.handleProjectSwitch,
		"project:list":   s.handleProjectList,

		"config:get":    s.handleConfigGet,
		"config:update": s.handleConfigUpdate,

		"shell:execute": s.handleShellExecute,

		"heartbeat": s.handleHeartbeat,
	}

	for msgType, handler := range handlers {
		_ = s.router.Register(msgType, handler)
	}
}

func handlerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), handlerTimeout)
}

func (s *Server) handleAgentStart(sess *Session, payload json.RawMessage) (*Message, error) {
	var req struct {
		Model      string `json:"model"`
		Credential string `json:"credential"`
	}
	if len(payload) > 0 {
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
	}

	ctx, cancel := handlerContext()
	defer cancel()

	info, err := s.agents.Start(ctx, sess.ID, sess.WorkingDir(), agentproc.Options{
		Model:      req.Model,
		Credential: req.Credential,
	})
	if err != nil {
		s.audit("agent", sess.ID, "start", "failure", map[string]interface{}{"error": err.Error()})
		return nil, Errorf(CodeCLIStartError, "failed to start agent: %s", err.Error())
	}

	s.audit("agent", sess.ID, "start", "success", map[string]interface{}{"pid": info.PID, "model": info.Model})
	return reply("agent:started", map[string]interface{}{
		"pid":       info.PID,
		"startedAt": info.StartedAt,
		"model":     info.Model,
	})
}

func (s *Server) handleAgentInput(sess *Session, payload json.RawMessage) (*Message, error) {
	var req struct {
		Command string `json:"command"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Command == "" {
		return nil, Errorf(CodeInvalidPayload, "command is required")
	}

	if !s.agents.SendInput(sess.ID, req.Command) {
		return nil, Errorf(CodeCLINotRunning, "no agent process is running for this session")
	}
	// Output arrives asynchronously as agent:output events.
	return nil, nil
}

func (s *Server) handleAgentStop(sess *Session, _ json.RawMessage) (*Message, error) {
	ctx, cancel := handlerContext()
	defer cancel()

	s.agents.Stop(ctx, sess.ID)
	s.audit("agent", sess.ID, "stop", "success", nil)
	return reply("agent:stopped", map[string]interface{}{"success": true})
}

func (s *Server) handleToolResponse(sess *Session, payload json.RawMessage) (*Message, error) {
	var req struct {
		ToolName string      `json:"toolName"`
		Approved bool        `json:"approved"`
		Result   interface{} `json:"result,omitempty"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.ToolName == "" {
		return nil, Errorf(CodeInvalidPayload, "toolName is required")
	}

	// The agent consumes tool results as a delimited block on stdin,
	// mirroring how it emits tool requests on stdout.
	body, err := json.Marshal(map[string]interface{}{
		"tool":     req.ToolName,
		"approved": req.Approved,
		"result":   req.Result,
	})
	if err != nil {
		return nil, err
	}

	if !s.agents.SendInput(sess.ID, "[[tool-response]]"+string(body)+"[[/tool-response]]") {
		return nil, Errorf(CodeCLINotRunning, "no agent process is running for this session")
	}
	return nil, nil
}

func (s *Server) handleFileRead(sess *Session, payload json.RawMessage) (*Message, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	content, err := fileops.ReadFile(sess.WorkingDir(), req.Path)
	if err != nil {
		return nil, err
	}
	return reply("file:read:response", map[string]interface{}{
		"path":    req.Path,
		"content": content,
	})
}

func (s *Server) handleFileWrite(sess *Session, payload json.RawMessage) (*Message, error) {
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	if err := fileops.WriteFile(sess.WorkingDir(), req.Path, req.Content); err != nil {
		return nil, err
	}
	return reply("file:write:response", map[string]interface{}{
		"path":    req.Path,
		"success": true,
	})
}

func (s *Server) handleFileDelete(sess *Session, payload json.RawMessage) (*Message, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	if err := fileops.DeleteFile(sess.WorkingDir(), req.Path); err != nil {
		return nil, err
	}
	return reply("file:delete:response", map[string]interface{}{
		"path":    req.Path,
		"success": true,
	})
}

func (s *Server) handleDirectoryList(sess *Session, payload json.RawMessage) (*Message, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	entries, err := fileops.ListDirectory(sess.WorkingDir(), req.Path)
	if err != nil {
		return nil, err
	}
	return reply("directory:list:response", map[string]interface{}{
		"path":    req.Path,
		"entries": entries,
	})
}

func (s *Server) handleProviderList(_ *Session, _ json.RawMessage) (*Message, error) {
	ctx, cancel := handlerContext()
	defer cancel()

	return reply("provider:list:response", map[string]interface{}{
		"servers": s.providers.ListAll(ctx),
	})
}

func (s *Server) handleProviderAdd(sess *Session, payload json.RawMessage) (*Message, error) {
	var req struct {
		Name   string                 `json:"name"`
		Config map[string]interface{} `json:"config"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, Errorf(CodeInvalidPayload, "name is required")
	}

	if err := provider.ValidateConfigDocument(req.Config); err != nil {
		return nil, Errorf(CodeProviderError, "%s", err.Error())
	}

	raw, err := json.Marshal(req.Config)
	if err != nil {
		return nil, Errorf(CodeProviderError, "invalid provider config: %s", err.Error())
	}
	var cfg config.ProviderConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, Errorf(CodeProviderError, "invalid provider config: %s", err.Error())
	}

	if err := s.providers.AddConfig(req.Name, cfg); err != nil {
		return nil, Errorf(CodeProviderError, "%s", err.Error())
	}
	if s.settings != nil {
		if err := s.settings.AddProvider(req.Name, cfg); err != nil {
			return nil, Errorf(CodeProviderError, "failed to persist provider: %s", err.Error())
		}
	}

	s.audit("provider", req.Name, "add", "success", nil)
	return reply("provider:add:response", map[string]interface{}{
		"success": true,
		"name":    req.Name,
	})
}

func (s *Server) handleProviderRemove(sess *Session, payload json.RawMessage) (*Message, error) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, Errorf(CodeInvalidPayload, "name is required")
	}

	ctx, cancel := handlerContext()
	defer cancel()

	s.providers.RemoveConfig(ctx, req.Name)
	if s.settings != nil {
		if err := s.settings.RemoveProvider(req.Name); err != nil {
			return nil, Errorf(CodeProviderError, "failed to persist removal: %s", err.Error())
		}
	}

	s.audit("provider", req.Name, "remove", "success", nil)
	return reply("provider:remove:response", map[string]interface{}{
		"success": true,
		"name":    req.Name,
	})
}

func (s *Server) handleProviderCapabilities(_ *Session, _ json.RawMessage) (*Message, error) {
	ctx, cancel := handlerContext()
	defer cancel()

	type annotated struct {
		provider.Capability
		Server string `json:"server"`
	}

	tools := make([]annotated, 0)
	for _, info := range s.providers.ListAll(ctx) {
		if info.Status != provider.StatusRunning {
			continue
		}
		caps, err := s.providers.Capabilities(ctx, info.Name)
		if err != nil {
			// A single misbehaving provider must not hide the others.
			continue
		}
		for _, c := range caps {
			tools = append(tools, annotated{Capability: c, Server: info.Name})
		}
	}

	return reply("provider:capabilities:response", map[string]interface{}{
		"tools": tools,
	})
}

func (s *Server) handleProviderStart(_ *Session, payload json.RawMessage) (*Message, error) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	ctx, cancel := handlerContext()
	defer cancel()

	if err := s.providers.Start(ctx, req.Name); err != nil {
		s.audit("provider", req.Name, "start", "failure", map[string]interface{}{"error": err.Error()})
		return nil, Errorf(CodeProviderError, "%s", err.Error())
	}
	s.audit("provider", req.Name, "start", "success", nil)
	return reply("provider:start:response", map[string]interface{}{
		"success": true,
		"name":    req.Name,
	})
}

func (s *Server) handleProviderStop(_ *Session, payload json.RawMessage) (*Message, error) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	ctx, cancel := handlerContext()
	defer cancel()

	s.providers.Stop(ctx, req.Name)
	s.audit("provider", req.Name, "stop", "success", nil)
	return reply("provider:stop:response", map[string]interface{}{
		"success": true,
		"name":    req.Name,
	})
}

func (s *Server) handleProviderRestart(_ *Session, payload json.RawMessage) (*Message, error) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	ctx, cancel := handlerContext()
	defer cancel()

	if err := s.providers.Restart(ctx, req.Name); err != nil {
		return nil, Errorf(CodeProviderError, "%s", err.Error())
	}
	return reply("provider:restart:response", map[string]interface{}{
		"success": true,
		"name":    req.Name,
	})
}

func (s *Server) handleProviderTest(_ *Session, payload json.RawMessage) (*Message, error) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	ctx, cancel := handlerContext()
	defer cancel()

	result := s.providers.TestConnection(ctx, req.Name)
	return reply("provider:test:response", map[string]interface{}{
		"name":      result.Name,
		"ok":        result.OK,
		"latencyMs": result.Latency.Milliseconds(),
		"error":     result.Error,
	})
}

func (s *Server) handleProviderInvoke(_ *Session, payload json.RawMessage) (*Message, error) {
	var req struct {
		Name string                 `json:"name"`
		Tool string                 `json:"tool"`
		Args map[string]interface{} `json:"args"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Name == "" || req.Tool == "" {
		return nil, Errorf(CodeInvalidPayload, "name and tool are required")
	}

	ctx, cancel := handlerContext()
	defer cancel()

	result, err := s.providers.Invoke(ctx, req.Name, req.Tool, req.Args)
	if err != nil {
		return nil, Errorf(CodeProviderError, "%s", err.Error())
	}
	return reply("provider:invoke:response", map[string]interface{}{
		"name":   req.Name,
		"tool":   req.Tool,
		"result": result,
	})
}

func (s *Server) handleProjectSwitch(sess *Session, payload json.RawMessage) (*Message, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	if s.projects == nil {
		return nil, Errorf(CodeProjectError, "project store is not configured")
	}

	resolved, err := s.projects.ValidatePath(req.Path)
	if err != nil {
		return nil, Errorf(CodeProjectError, "%s", err.Error())
	}
	if err := s.projects.Touch(resolved); err != nil {
		return nil, Errorf(CodeProjectError, "%s", err.Error())
	}

	sess.SetWorkingDir(resolved)
	s.audit("project", sess.ID, "switch", "success", map[string]interface{}{"path": resolved})
	return reply("project:switch:response", map[string]interface{}{
		"success":          true,
		"workingDirectory": resolved,
	})
}

func (s *Server) handleProjectList(_ *Session, _ json.RawMessage) (*Message, error) {
	if s.projects == nil {
		return nil, Errorf(CodeProjectError, "project store is not configured")
	}

	projects, err := s.projects.List()
	if err != nil {
		return nil, Errorf(CodeProjectError, "%s", err.Error())
	}
	return reply("project:list:response", map[string]interface{}{
		"projects": projects,
	})
}

func (s *Server) handleConfigGet(_ *Session, _ json.RawMessage) (*Message, error) {
	if s.settings == nil {
		return nil, Errorf(CodeHandlerError, "settings store is not configured")
	}

	settings, err := s.settings.Load()
	if err != nil {
		return nil, err
	}
	return reply("config:get:response", map[string]interface{}{
		"settings": settings,
	})
}

func (s *Server) handleConfigUpdate(_ *Session, payload json.RawMessage) (*Message, error) {
	var req struct {
		DefaultModel *string                `json:"defaultModel,omitempty"`
		Preferences  map[string]interface{} `json:"preferences,omitempty"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	if s.settings == nil {
		return nil, Errorf(CodeHandlerError, "settings store is not configured")
	}

	updated, err := s.settings.Update(func(settings *store.Settings) error {
		if req.DefaultModel != nil {
			settings.DefaultModel = *req.DefaultModel
		}
		for key, value := range req.Preferences {
			if settings.Preferences == nil {
				settings.Preferences = make(map[string]interface{})
			}
			settings.Preferences[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reply("config:update:response", map[string]interface{}{
		"success":  true,
		"settings": updated,
	})
}

func (s *Server) handleShellExecute(sess *Session, payload json.RawMessage) (*Message, error) {
	var req struct {
		Command   string   `json:"command"`
		Args      []string `json:"args,omitempty"`
		TimeoutMs int      `json:"timeoutMs,omitempty"`
		Stdin     string   `json:"stdin,omitempty"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.Command == "" {
		return nil, Errorf(CodeInvalidPayload, "command is required")
	}
	if s.runner == nil {
		return nil, Errorf(CodeHandlerError, "command runner is not configured")
	}

	ctx, cancel := handlerContext()
	defer cancel()

	result, err := s.runner.Execute(ctx, shell.Request{
		Command:    req.Command,
		Args:       req.Args,
		WorkingDir: sess.WorkingDir(),
		Stdin:      []byte(req.Stdin),
		Timeout:    time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	return reply("shell:execute:response", map[string]interface{}{
		"stdout":     string(result.Stdout),
		"stderr":     string(result.Stderr),
		"exitCode":   result.ExitCode,
		"durationMs": result.Duration.Milliseconds(),
	})
}

func (s *Server) handleHeartbeat(sess *Session, _ json.RawMessage) (*Message, error) {
	s.registry.MarkAlive(sess.ID)
	return reply("heartbeat", map[string]interface{}{
		"timestamp": time.Now().UnixMilli(),
	})
}
