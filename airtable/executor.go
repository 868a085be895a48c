package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"

	"github.com/ggoodman/airtable-mcp-server/lifecycle"
	"github.com/ggoodman/airtable-mcp-server/mcp"
)

var placeholderRE = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

type request struct {
	method string
	path   string
	query  url.Values
	body   map[string]any
}

// execute interprets op for one call.
func (c *Catalog) execute(ctx context.Context, op *Operation, schema mcp.ToolInputSchema, call *lifecycle.Call) (*mcp.CallToolResult, error) {
	args, err := decodeArgs(op, schema, call.Arguments)
	if err != nil {
		return nil, err
	}
	if op.Prepare != nil {
		if err := op.Prepare(args); err != nil {
			return nil, err
		}
	}
	req, err := buildRequest(op, args)
	if err != nil {
		return nil, err
	}

	var resp map[string]any
	if op.Paginate != "" {
		resp, err = c.paginate(ctx, op, req, args, call)
	} else {
		resp, err = c.do(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	var out any = resp
	if op.Shape != nil {
		if out, err = op.Shape(args, resp); err != nil {
			return nil, err
		}
	}
	return renderResult(out)
}

func (c *Catalog) do(ctx context.Context, req *request) (map[string]any, error) {
	var body any
	if req.body != nil {
		body = req.body
	}
	raw, err := c.client.Do(ctx, req.method, req.path, req.query, body)
	if err != nil {
		return nil, err
	}
	return decodeObject(raw)
}

// paginate follows the offset cursor, merging the op.Paginate array of
// every page. It reports one progress event per page and stops early once
// the request is cancelled or maxRecords items were collected.
func (c *Catalog) paginate(ctx context.Context, op *Operation, req *request, args map[string]any, call *lifecycle.Call) (map[string]any, error) {
	limit := intArg(args["maxRecords"])
	items := []any{}

	for {
		page, err := c.do(ctx, req)
		if err != nil {
			return nil, err
		}
		batch, _ := page[op.Paginate].([]any)
		items = append(items, batch...)

		full := limit > 0 && len(items) >= limit
		if full {
			items = items[:limit]
		}
		call.Progress.Report(ctx, lifecycle.Progress{
			Progress: float64(len(items)),
			Total:    float64(limit),
			Message:  fmt.Sprintf("fetched %d %s", len(items), op.Paginate),
		})

		offset, _ := page["offset"].(string)
		if offset == "" || full {
			break
		}
		if call.Signal != nil && call.Signal.Cancelled() {
			return nil, call.Signal.Err()
		}
		if err := ctx.Err(); err != nil {
			return nil, context.Cause(ctx)
		}
		if req.body != nil {
			req.body["offset"] = offset
		} else {
			if req.query == nil {
				req.query = url.Values{}
			}
			req.query.Set("offset", offset)
		}
	}

	return map[string]any{op.Paginate: items}, nil
}

// decodeArgs strictly decodes raw into the operation's argument struct and
// returns it as a generic map for placement.
func decodeArgs(op *Operation, schema mcp.ToolInputSchema, raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}

	dst := op.Args()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return nil, lifecycle.InvalidArgumentsf("%v", err)
	}

	b, err := json.Marshal(dst)
	if err != nil {
		return nil, fmt.Errorf("re-encode arguments: %w", err)
	}
	args := map[string]any{}
	gen := json.NewDecoder(bytes.NewReader(b))
	gen.UseNumber()
	if err := gen.Decode(&args); err != nil {
		return nil, fmt.Errorf("re-decode arguments: %w", err)
	}

	for _, name := range schema.Required {
		if isEmpty(args[name]) {
			return nil, lifecycle.InvalidArgumentsf("missing required argument %q", name)
		}
	}
	for name, prop := range schema.Properties {
		v, ok := args[name]
		if !ok || len(prop.Enum) == 0 || isEmpty(v) {
			continue
		}
		if !slices.Contains(prop.Enum, v) {
			return nil, lifecycle.InvalidArgumentsf("argument %q must be one of %v", name, prop.Enum)
		}
	}
	return args, nil
}

func buildRequest(op *Operation, args map[string]any) (*request, error) {
	consumed := map[string]bool{}
	for _, name := range op.Local {
		consumed[name] = true
	}

	var perr error
	path := placeholderRE.ReplaceAllStringFunc(op.Path, func(m string) string {
		name := m[1 : len(m)-1]
		consumed[name] = true
		s, ok := args[name].(string)
		if !ok || s == "" {
			if perr == nil {
				perr = lifecycle.InvalidArgumentsf("missing path argument %q", name)
			}
			return m
		}
		return url.PathEscape(s)
	})
	if perr != nil {
		return nil, perr
	}

	req := &request{method: op.Method, path: path}
	inBody := op.Method != http.MethodGet && op.Method != http.MethodDelete
	if inBody {
		req.body = map[string]any{}
	}

	for name, v := range args {
		if consumed[name] || v == nil {
			continue
		}
		if inBody && !slices.Contains(op.Query, name) {
			req.body[name] = v
			continue
		}
		if req.query == nil {
			req.query = url.Values{}
		}
		if err := addQuery(req.query, name, v); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// addQuery encodes v the way Airtable expects: arrays as repeated name[]
// parameters, objects as JSON.
func addQuery(q url.Values, name string, v any) error {
	if arr, ok := v.([]any); ok {
		for _, e := range arr {
			s, err := queryScalar(e)
			if err != nil {
				return err
			}
			q.Add(name+"[]", s)
		}
		return nil
	}
	s, err := queryScalar(v)
	if err != nil {
		return err
	}
	q.Set(name, s)
	return nil
}

func queryScalar(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("encode query value: %w", err)
		}
		return string(b), nil
	}
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	out := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode airtable response: %w", err)
	}
	return out, nil
}

func renderResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	res := &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: string(b)}},
	}
	if m, ok := v.(map[string]any); ok {
		res.StructuredContent = m
	}
	return res, nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	}
	return false
}

func intArg(v any) int {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		if err == nil && n > 0 {
			return int(n)
		}
	case float64:
		if t > 0 {
			return int(t)
		}
	}
	return 0
}
