// Package tools implements the capabilities a model may call during a
// completion. Every tool is built for one request from an explicit
// RequestContext and implements the langchaingo tools.Tool interface.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/tools"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

// Tool names as exposed to models.
const (
	NameWebSearch    = "web_search"
	NameDeepResearch = "deep_research"
	NameRunCode      = "run_code"
)

// Requested tool modes of a chat request.
const (
	ModeSearch   = "search"
	ModeResearch = "research"
	ModeCode     = "code"
)

// Tool is a langchaingo tool that also describes its JSON arguments.
type Tool interface {
	tools.Tool
	Parameters() map[string]any
}

// Writer receives progress chunks emitted by tools.
type Writer interface {
	Write(chunk model.Chunk)
}

// Quota is the part of the quota ledger tools use.
type Quota interface {
	Reserve(ctx context.Context, userID string, kind model.UsageKind, cost int64, limits model.Limits) error
	Compensate(ctx context.Context, userID string, kind model.UsageKind, cost int64) error
}

// RequestContext binds tools to the authorization and quota of one
// completion request.
type RequestContext struct {
	UserID string
	Limits model.Limits
	Quota  Quota
	Writer Writer
	Logger *logger.Logger
}

func (rc RequestContext) reserve(ctx context.Context, kind model.UsageKind) error {
	if rc.Quota == nil {
		return nil
	}
	return rc.Quota.Reserve(ctx, rc.UserID, kind, 1, rc.Limits)
}

// compensate gives back a reservation whose call produced nothing. It runs
// detached from ctx so a cancelled request still returns the unit.
func (rc RequestContext) compensate(ctx context.Context, kind model.UsageKind) {
	if rc.Quota == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := rc.Quota.Compensate(cctx, rc.UserID, kind, 1); err != nil && rc.Logger != nil {
		rc.Logger.Error("failed to compensate tool quota",
			zap.String(logger.KeyUser, rc.UserID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}

func (rc RequestContext) emit(chunk model.Chunk) {
	if rc.Writer != nil {
		rc.Writer.Write(chunk)
	}
}

// Dependencies are the shared backends tools are built on.
type Dependencies struct {
	Searcher    Searcher
	Pages       PageReader
	CodeTimeout time.Duration
	CodeSteps   uint64
}

// ForRequest builds the tools offered to a model for one request. The
// requested mode adds deep research, which is only offered on demand.
func ForRequest(deps Dependencies, rc RequestContext, mode string) []Tool {
	var out []Tool
	if deps.Searcher != nil {
		out = append(out, NewWebSearch(rc, deps.Searcher))
		if mode == ModeResearch && deps.Pages != nil {
			out = append(out, NewDeepResearch(rc, deps.Searcher, deps.Pages))
		}
	}
	out = append(out, NewRunCode(rc, deps.CodeTimeout, deps.CodeSteps))
	return out
}

// ValidMode reports whether mode names a requestable tool.
func ValidMode(mode string) bool {
	switch mode {
	case "", ModeSearch, ModeResearch, ModeCode:
		return true
	}
	return false
}

// objectSchema builds a JSON schema for an object of string properties.
func objectSchema(properties map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

// parseArgs decodes JSON arguments into dst. A bare non-JSON string is
// assigned to the field named by fallback.
func parseArgs(input string, dst any, fallback *string) error {
	input = strings.TrimSpace(input)
	if input == "" {
		return errors.New("empty tool input")
	}
	if strings.HasPrefix(input, "{") {
		if err := json.Unmarshal([]byte(input), dst); err != nil {
			return fmt.Errorf("invalid tool arguments: %w", err)
		}
		return nil
	}
	if fallback == nil {
		return errors.New("tool arguments must be a JSON object")
	}
	*fallback = input
	return nil
}
