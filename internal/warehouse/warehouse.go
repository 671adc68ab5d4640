// Package warehouse wraps read-only query execution over dealership data.
// The façade rejects anything that is not a parameterised single-statement
// read, enforces row/byte/time caps, and maps driver failures to the
// typed error taxonomy.
package warehouse

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/copp1723/unified-vendora-final/internal/model"
)

// Row is one result record keyed by column name.
type Row map[string]any

// ResultSet carries the rows plus the truncation marker set when a row
// or byte cap was hit.
type ResultSet struct {
	Columns   []string
	Rows      []Row
	Truncated bool
}

// Executor is the raw backend (SQLite locally, BigQuery in production).
// Implementations must honour context cancellation. limit is a hard row
// cap; implementations return at most limit+1 rows so the façade can
// detect truncation.
type Executor interface {
	Exec(ctx context.Context, template string, params map[string]any, limit int) (*ResultSet, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, template string, params map[string]any, limit int) (*ResultSet, error)

func (f ExecutorFunc) Exec(ctx context.Context, template string, params map[string]any, limit int) (*ResultSet, error) {
	return f(ctx, template, params, limit)
}

type Client struct {
	exec        Executor
	callTimeout time.Duration
	maxRows     int
	maxBytes    int
	logger      *zap.Logger
}

func NewClient(exec Executor, cfg model.WarehouseConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		exec:        exec,
		callTimeout: time.Duration(cfg.CallTimeoutMs) * time.Millisecond,
		maxRows:     cfg.MaxRows,
		maxBytes:    cfg.MaxBytes,
		logger:      logger,
	}
}

// Run executes a parameterised read-only template. On cap violation the
// truncated rows are returned with Truncated set rather than an error.
func (c *Client) Run(ctx context.Context, template string, params map[string]any, rowLimit int) (*ResultSet, error) {
	if err := CheckReadOnly(template); err != nil {
		return nil, err
	}
	if rowLimit <= 0 || rowLimit > c.maxRows {
		rowLimit = c.maxRows
	}

	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	rs, err := c.exec.Exec(ctx, template, params, rowLimit)
	if err != nil {
		return nil, c.mapError(err)
	}

	if len(rs.Rows) > rowLimit {
		rs.Rows = rs.Rows[:rowLimit]
		rs.Truncated = true
	}
	c.applyByteCap(rs)
	if rs.Truncated {
		c.logger.Debug("warehouse result truncated",
			zap.Int("rows_returned", len(rs.Rows)),
			zap.Int("row_limit", rowLimit))
	}
	return rs, nil
}

// applyByteCap trims rows once their approximate encoded size exceeds the
// byte budget.
func (c *Client) applyByteCap(rs *ResultSet) {
	if c.maxBytes <= 0 {
		return
	}
	total := 0
	for i, row := range rs.Rows {
		total += approxRowBytes(row)
		if total > c.maxBytes {
			rs.Rows = rs.Rows[:i]
			rs.Truncated = true
			return
		}
	}
}

func approxRowBytes(row Row) int {
	n := 0
	for k, v := range row {
		n += len(k) + 8
		if s, ok := v.(string); ok {
			n += len(s)
		} else {
			n += 8
		}
	}
	return n
}

func (c *Client) mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.WrapError(model.KindQueryTimeout, "warehouse query timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return model.WrapError(model.KindQueryTimeout, "warehouse query cancelled", err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "syntax") || strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column"):
		return model.WrapError(model.KindQueryInvalid, "warehouse rejected query", err)
	case strings.Contains(msg, "access") || strings.Contains(msg, "permission") || strings.Contains(msg, "denied"):
		return model.WrapError(model.KindAccessDenied, "warehouse access denied", err)
	default:
		return model.WrapError(model.KindWarehouseUnavailable, "warehouse unavailable", err)
	}
}

var (
	forbiddenVerbs = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|truncate|attach|detach|pragma|vacuum|grant|revoke|merge)\b`)
	interpolation  = regexp.MustCompile(`%[sdvq]|\$\{|\{\{`)
	lineComment    = regexp.MustCompile(`--[^\n]*`)
	blockComment   = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// CheckReadOnly rejects templates that are not structurally read-only or
// that carry bare interpolation instead of parameter placeholders.
func CheckReadOnly(template string) error {
	stripped := blockComment.ReplaceAllString(template, " ")
	stripped = lineComment.ReplaceAllString(stripped, " ")
	stripped = strings.TrimSpace(stripped)

	if stripped == "" {
		return model.NewError(model.KindQueryInvalid, "empty query template")
	}
	if interpolation.MatchString(template) {
		return model.NewError(model.KindQueryInvalid, "template contains bare interpolation; use :name placeholders")
	}
	// Single statement only: a semicolon may appear only as a trailer.
	if i := strings.Index(stripped, ";"); i >= 0 && strings.TrimSpace(stripped[i+1:]) != "" {
		return model.NewError(model.KindQueryInvalid, "multiple statements are not allowed")
	}
	upper := strings.ToUpper(stripped)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return model.NewError(model.KindQueryInvalid, "only SELECT statements are allowed")
	}
	if m := forbiddenVerbs.FindString(stripped); m != "" {
		return model.NewError(model.KindQueryInvalid, "forbidden verb in query template: "+strings.ToLower(m))
	}
	return nil
}
