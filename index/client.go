// Package index queries the indexer's GraphQL API for current entity
// state and historical event rows. Queries are batched into a single
// request using aliases, and filter operators are translated to the
// Hasura comparison operators the API exposes.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sentinelwatch/sentinel/signal"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "index")

const defaultRequestTimeout = 15 * time.Second

// QueryError marks a query the index rejected or could not serve. The
// evaluator treats it as missing data.
type QueryError struct {
	Msg string
	Err error
}

func (e *QueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("index query: %s: %v", e.Msg, e.Err)
	}
	return "index query: " + e.Msg
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// hasuraOps maps definition filter operators onto the comparison
// operators of the GraphQL API.
var hasuraOps = map[string]string{
	"eq":       "_eq",
	"neq":      "_neq",
	"gt":       "_gt",
	"gte":      "_gte",
	"lt":       "_lt",
	"lte":      "_lte",
	"in":       "_in",
	"contains": "_ilike",
}

// Row is one record returned by the index.
type Row map[string]interface{}

// Query selects rows from one table. Filters on the same field merge into
// one comparison object, so a timestamp range is expressed as two filters.
type Query struct {
	Alias   string
	Table   string
	Filters []signal.Filter
	Fields  []string
	Limit   int
	// OrderBy is a rendered order_by argument such as "timestamp: desc".
	OrderBy string
}

// Client talks to one GraphQL endpoint.
type Client struct {
	endpoint string
	hc       *http.Client
	headers  map[string]string
}

// NewClient returns a client for the given endpoint. Extra headers, such
// as an API key, are sent with every request.
func NewClient(endpoint string, headers map[string]string) *Client {
	return &Client{
		endpoint: endpoint,
		hc:       &http.Client{Timeout: defaultRequestTimeout},
		headers:  headers,
	}
}

// Batch runs every query in a single request and returns the rows per
// alias. Any GraphQL-level error fails the whole batch.
func (c *Client) Batch(ctx context.Context, queries []Query) (map[string][]Row, error) {
	if len(queries) == 0 {
		return map[string][]Row{}, nil
	}
	doc, err := buildDocument(queries)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]string{"query": doc})
	if err != nil {
		return nil, &QueryError{Msg: "could not encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &QueryError{Msg: "could not build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &QueryError{Msg: "request failed", Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close response body")
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, &QueryError{Msg: "could not read response", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &QueryError{Msg: fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, truncate(raw, 200))}
	}

	var envelope struct {
		Data   map[string]json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &QueryError{Msg: "could not decode response", Err: err}
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, &QueryError{Msg: strings.Join(msgs, "; ")}
	}

	out := make(map[string][]Row, len(queries))
	for _, q := range queries {
		rowsRaw, ok := envelope.Data[q.Alias]
		if !ok {
			return nil, &QueryError{Msg: fmt.Sprintf("response is missing alias %q", q.Alias)}
		}
		var rows []Row
		if err := json.Unmarshal(rowsRaw, &rows); err != nil {
			return nil, &QueryError{Msg: fmt.Sprintf("could not decode rows for %q", q.Alias), Err: err}
		}
		out[q.Alias] = rows
	}
	log.WithFields(logrus.Fields{
		"queries": len(queries),
		"aliases": strings.Join(SortedAliases(out), " "),
	}).Trace("Index batch served")
	return out, nil
}

func buildDocument(queries []Query) (string, error) {
	var b strings.Builder
	b.WriteString("query Sentinel {\n")
	for _, q := range queries {
		if q.Alias == "" || q.Table == "" || len(q.Fields) == 0 {
			return "", &QueryError{Msg: "query needs an alias, a table and fields"}
		}
		b.WriteString("  ")
		b.WriteString(q.Alias)
		b.WriteString(": ")
		b.WriteString(q.Table)

		args := make([]string, 0, 3)
		if len(q.Filters) > 0 {
			where, err := renderWhere(q.Filters)
			if err != nil {
				return "", err
			}
			args = append(args, "where: "+where)
		}
		if q.OrderBy != "" {
			args = append(args, "order_by: {"+q.OrderBy+"}")
		}
		if q.Limit > 0 {
			args = append(args, "limit: "+strconv.Itoa(q.Limit))
		}
		if len(args) > 0 {
			b.WriteString("(")
			b.WriteString(strings.Join(args, ", "))
			b.WriteString(")")
		}
		b.WriteString(" { ")
		b.WriteString(strings.Join(q.Fields, " "))
		b.WriteString(" }\n")
	}
	b.WriteString("}")
	return b.String(), nil
}

// renderWhere folds filters into a Hasura boolean expression, merging
// multiple operators on the same field.
func renderWhere(filters []signal.Filter) (string, error) {
	type cmp struct {
		op    string
		value string
	}
	fieldOrder := make([]string, 0, len(filters))
	perField := make(map[string][]cmp, len(filters))

	for _, f := range filters {
		op, ok := hasuraOps[f.Op]
		if !ok {
			return "", &QueryError{Msg: fmt.Sprintf("unsupported filter operator %q", f.Op)}
		}
		value := f.Value
		if f.Op == "contains" {
			value = fmt.Sprintf("%%%v%%", value)
		}
		rendered, err := renderValue(value)
		if err != nil {
			return "", err
		}
		if _, seen := perField[f.Field]; !seen {
			fieldOrder = append(fieldOrder, f.Field)
		}
		perField[f.Field] = append(perField[f.Field], cmp{op: op, value: rendered})
	}

	var b strings.Builder
	b.WriteString("{")
	for i, field := range fieldOrder {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(field)
		b.WriteString(": {")
		for j, c := range perField[field] {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(c.op)
			b.WriteString(": ")
			b.WriteString(c.value)
		}
		b.WriteString("}")
	}
	b.WriteString("}")
	return b.String(), nil
}

func renderValue(v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return strconv.Quote(val), nil
	case bool:
		return strconv.FormatBool(val), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case uint64:
		return strconv.FormatUint(val, 10), nil
	case []interface{}:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			r, err := renderValue(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, r)
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case []string:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, strconv.Quote(item))
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case nil:
		return "null", nil
	default:
		return "", &QueryError{Msg: fmt.Sprintf("cannot render filter value of type %T", v)}
	}
}

// FloatField extracts a numeric column from a row. The API serializes
// large numerics as strings, so both forms are accepted.
func FloatField(row Row, field string) (float64, error) {
	v, ok := row[field]
	if !ok || v == nil {
		return 0, fmt.Errorf("row has no field %q", field)
	}
	switch val := v.(type) {
	case float64:
		return val, nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "field %q is not numeric", field)
		}
		return f, nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return 0, errors.Wrapf(err, "field %q is not numeric", field)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("field %q has unsupported type %T", field, v)
	}
}

// SortedAliases lists response aliases in lexical order, mainly for
// deterministic log lines.
func SortedAliases(rows map[string][]Row) []string {
	out := make([]string, 0, len(rows))
	for alias := range rows {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
