// Package dispatch implements C5 Tool Dispatcher: the three tools exposed
// to the LLM (search_skills, describe_function, python_exec), per-tool
// timeouts, and within-turn result caching.
//
// The tool set (ToolSchema's Name/Description/Parameters plus Dispatch's
// switch on the tool name) is grounded on the teacher's internal/agent.Tool
// interface; this package defines no Tool interface of its own. Results are
// hub.ToolResult values, grounded on the teacher's internal/agent.ToolResult
// (Content/IsError), trimmed of the Artifacts field the teacher uses for
// channel attachments since spec.md's tools never produce files.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/hub/internal/observability"
	"github.com/haasonsaas/hub/internal/registry"
	"github.com/haasonsaas/hub/internal/spoke"
	"github.com/haasonsaas/hub/pkg/hub"
)

// Config holds the per-tool timeouts of spec.md §4.5.
type Config struct {
	SearchTimeout     time.Duration
	DescribeTimeout   time.Duration
	PythonExecTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		SearchTimeout:     5 * time.Second,
		DescribeTimeout:   5 * time.Second,
		PythonExecTimeout: 30 * time.Second,
	}
}

// Dispatcher executes the three built-in tools and caches results within a
// single agent-loop turn.
type Dispatcher struct {
	registry *registry.Registry
	spokes   *spoke.Manager
	cfg      Config
	metrics  *observability.Metrics
	logger   *observability.Logger
}

func New(reg *registry.Registry, spokes *spoke.Manager, cfg Config, metrics *observability.Metrics, logger *observability.Logger) *Dispatcher {
	return &Dispatcher{registry: reg, spokes: spokes, cfg: cfg, metrics: metrics, logger: logger}
}

// TurnCache memoizes (tool_name, canonical_args) within a single user turn
// (spec.md §4.5: "identical (tool_name, canonical_args) within the same
// session turn returns the prior result annotated cached: true").
type TurnCache struct {
	mu    sync.Mutex
	items map[string]*hub.ToolResult
}

func NewTurnCache() *TurnCache {
	return &TurnCache{items: make(map[string]*hub.ToolResult)}
}

func cacheKey(toolName string, args json.RawMessage) string {
	var v any
	if err := json.Unmarshal(args, &v); err == nil {
		if canon, err := json.Marshal(v); err == nil {
			return toolName + ":" + string(canon)
		}
	}
	return toolName + ":" + string(args)
}

func (c *TurnCache) get(toolName string, args json.RawMessage) (*hub.ToolResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.items[cacheKey(toolName, args)]
	return r, ok
}

func (c *TurnCache) put(toolName string, args json.RawMessage, result *hub.ToolResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[cacheKey(toolName, args)] = result
}

// Dispatch runs one tool call by name, applying the configured timeout and
// turn cache. callerUserID/callerDeviceID scope search/describe results and
// resolve the default python_exec target.
func (d *Dispatcher) Dispatch(ctx context.Context, cache *TurnCache, toolName string, args json.RawMessage, callerUserID, callerDeviceID string) *hub.ToolResult {
	if cached, ok := cache.get(toolName, args); ok {
		clone := *cached
		clone.Cached = true
		return &clone
	}

	var (
		result *hub.ToolResult
		err    error
	)
	switch toolName {
	case ToolSearchSkills:
		result, err = d.searchSkills(ctx, args, callerUserID, callerDeviceID)
	case ToolDescribeFunction:
		result, err = d.describeFunction(ctx, args, callerUserID)
	case ToolPythonExec:
		result, err = d.pythonExec(ctx, args, callerUserID, callerDeviceID)
	default:
		result, err = &hub.ToolResult{Success: false, Error: fmt.Sprintf("unknown tool %q", toolName)}, nil
	}
	if err != nil {
		result = &hub.ToolResult{Success: false, Error: err.Error()}
	}

	cache.put(toolName, args, result)
	return result
}

const (
	ToolSearchSkills     = "search_skills"
	ToolDescribeFunction = "describe_function"
	ToolPythonExec       = "python_exec"
)

type searchSkillsArgs struct {
	Query string `json:"query"`
}

func (d *Dispatcher) searchSkills(parent context.Context, args json.RawMessage, userID, deviceID string) (*hub.ToolResult, error) {
	ctx, cancel := context.WithTimeout(parent, d.cfg.SearchTimeout)
	defer cancel()

	var a searchSkillsArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return &hub.ToolResult{Success: false, Error: "invalid arguments"}, nil
	}

	hits, err := d.registry.Search(ctx, userID, a.Query, deviceID)
	if err != nil {
		return &hub.ToolResult{Success: false, Error: err.Error()}, nil
	}
	payload, err := json.Marshal(hits)
	if err != nil {
		return &hub.ToolResult{Success: false, Error: "encode result"}, nil
	}
	return &hub.ToolResult{Success: true, Result: string(payload)}, nil
}

type describeFunctionArgs struct {
	Path string `json:"path"`
}

func (d *Dispatcher) describeFunction(parent context.Context, args json.RawMessage, userID string) (*hub.ToolResult, error) {
	ctx, cancel := context.WithTimeout(parent, d.cfg.DescribeTimeout)
	defer cancel()

	var a describeFunctionArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return &hub.ToolResult{Success: false, Error: "invalid arguments"}, nil
	}

	skill, err := d.registry.Describe(ctx, userID, a.Path)
	if err != nil {
		if err == hub.ErrNotFound {
			return &hub.ToolResult{Success: false, Error: "not_found"}, nil
		}
		return &hub.ToolResult{Success: false, Error: err.Error()}, nil
	}
	payload, _ := json.Marshal(map[string]string{
		"signature": skill.Signature,
		"docstring": skill.Docstring,
	})
	return &hub.ToolResult{Success: true, Result: string(payload)}, nil
}

type pythonExecArgs struct {
	Code   string `json:"code"`
	Device string `json:"device,omitempty"`
}

// deviceAttrPattern matches the leading identifier chain of the
// multi-device calling convention spec.md §4.7/§9 defines,
// "devices.<name>.ClassName.method(...)", and captures <name>. The
// single-device form "device.ClassName.method(...)" does not match; such
// code falls through to the caller's own device in resolveTarget. It
// performs a simple static/syntactic extraction, not a Python parse.
var deviceAttrPattern = regexp.MustCompile(`\bdevices\.([A-Za-z0-9_]+)\.`)

// resolveTarget determines the target device_id for a python_exec call per
// spec.md §4.7: statically inspect the code for the topmost referenced
// device name; if none appears, use the caller's own device.
func (d *Dispatcher) resolveTarget(ctx context.Context, userID, callerDeviceID, code, explicitDevice string) (string, error) {
	if explicitDevice != "" {
		dev, err := d.registry.ResolveDeviceByDisplayName(ctx, userID, explicitDevice)
		if err != nil {
			return "", err
		}
		return dev.ID, nil
	}
	if m := deviceAttrPattern.FindStringSubmatch(code); m != nil {
		dev, err := d.registry.ResolveDeviceByDisplayName(ctx, userID, m[1])
		if err != nil {
			return "", err
		}
		return dev.ID, nil
	}
	return callerDeviceID, nil
}

func (d *Dispatcher) pythonExec(parent context.Context, args json.RawMessage, userID, callerDeviceID string) (*hub.ToolResult, error) {
	var a pythonExecArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return &hub.ToolResult{Success: false, Error: "invalid arguments"}, nil
	}
	code := strings.TrimSpace(a.Code)
	if code == "" {
		return &hub.ToolResult{Success: false, Error: "code is required"}, nil
	}

	targetDeviceID, err := d.resolveTarget(parent, userID, callerDeviceID, code, a.Device)
	if err != nil {
		return &hub.ToolResult{Success: false, Error: "not_found"}, nil
	}

	ctx, cancel := context.WithTimeout(parent, d.cfg.PythonExecTimeout)
	defer cancel()

	result := d.spokes.ForwardToolCall(ctx, targetDeviceID, ToolPythonExec, code, d.cfg.PythonExecTimeout)
	if result.Err != "" {
		if d.metrics != nil {
			d.metrics.RecordToolExecution(ToolPythonExec, result.Err, 0)
		}
		return &hub.ToolResult{Success: false, Error: result.Err}, nil
	}
	if d.metrics != nil {
		status := "ok"
		if !result.Success {
			status = "tool_error"
		}
		d.metrics.RecordToolExecution(ToolPythonExec, status, 0)
	}
	return &hub.ToolResult{Success: result.Success, Result: result.Output}, nil
}

// Schemas returns the JSON Schema for each built-in tool, for C6's
// tool-call-enabled chat completion requests (spec.md §4.6).
func Schemas() []ToolSchema {
	return []ToolSchema{
		{
			Name:        ToolSearchSkills,
			Description: "Search the caller's registered skills by keyword across method name, class name, and docstring.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
		},
		{
			Name:        ToolDescribeFunction,
			Description: `Return the signature and full docstring for a skill, given "Class.method" or "Device.Class.method".`,
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		},
		{
			Name:        ToolPythonExec,
			Description: `Execute Python code on a Spoke. Reference skills as device.ClassName.method(...) or devices.<name>.ClassName.method(...).`,
			Parameters:  json.RawMessage(`{"type":"object","properties":{"code":{"type":"string"},"device":{"type":"string"}},"required":["code"]}`),
		},
	}
}

// ToolSchema is the wire shape C6 translates into each provider's native
// tool-definition format.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}
