// Package httpsource fetches listing ranges from a remote HTTP service.
//
// Each FetchRange is one GET:
//
//	GET <base>?identity=followers:42&order=followedAt:desc&order=memberId:asc
//	    &after=2024-05-01T12:00:00Z&after=7&limit=21&f.status=active
//
// and expects {"items":[...]} in scan order. Non-2xx replies become
// *fetch.StatusError, so 5xx and 429 are retried and other codes are not.
package httpsource

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/google/go-querystring/query"

	"github.com/unkn0wn-root/cursorpage/fetch"
	"github.com/unkn0wn-root/cursorpage/keyset"
)

const maxErrBody = 512

// Params is the query string sent for one range.
type Params struct {
	Identity string   `url:"identity"`
	Order    []string `url:"order"`
	After    []string `url:"after,omitempty"`
	Limit    int      `url:"limit"`
	Backward bool     `url:"backward,omitempty"`
}

// Envelope is the expected response body.
type Envelope[T any] struct {
	Items []T `json:"items"`
}

type Config struct {
	BaseURL string
	Client  *http.Client // nil => http.DefaultClient
	Header  http.Header  // added to every request
	MaxBody int64        // 0 => 8 MiB
}

type Source[T any] struct {
	base    *url.URL
	client  *http.Client
	header  http.Header
	maxBody int64
}

var _ fetch.DataSource[struct{}] = (*Source[struct{}])(nil)

func New[T any](cfg Config) (*Source[T], error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("httpsource: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("httpsource: unsupported scheme %q", u.Scheme)
	}
	s := &Source[T]{base: u, client: cfg.Client, header: cfg.Header.Clone(), maxBody: cfg.MaxBody}
	if s.client == nil {
		s.client = http.DefaultClient
	}
	if s.maxBody <= 0 {
		s.maxBody = 8 << 20
	}
	return s, nil
}

// Query renders the query string for fs.
func Query(fs keyset.FetchSpec) (url.Values, error) {
	p := Params{Identity: fs.Identity, Limit: fs.Limit, Backward: fs.Backward}
	for _, f := range fs.Order {
		p.Order = append(p.Order, f.Name+":"+f.Order.String())
	}
	for _, v := range fs.After {
		p.After = append(p.After, formatValue(v))
	}
	vals, err := query.Values(p)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(fs.Filters))
	for k := range fs.Filters {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		vals.Add("f."+k, formatValue(fs.Filters[k]))
	}
	return vals, nil
}

func (s *Source[T]) FetchRange(ctx context.Context, fs keyset.FetchSpec) ([]T, error) {
	vals, err := Query(fs)
	if err != nil {
		return nil, fetch.Permanent(fmt.Errorf("httpsource: encode query: %w", err))
	}
	u := *s.base
	u.RawQuery = vals.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fetch.Permanent(err)
	}
	for k, vs := range s.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// transport errors (resets, refused, timeouts) classify themselves
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return nil, &fetch.StatusError{Code: resp.StatusCode, Msg: string(msg)}
	}

	var env Envelope[T]
	dec := json.NewDecoder(io.LimitReader(resp.Body, s.maxBody))
	if err := dec.Decode(&env); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err // truncated body: retry
		}
		return nil, fetch.Permanent(fmt.Errorf("httpsource: decode: %w", err))
	}
	return env.Items, nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return base64.RawURLEncoding.EncodeToString(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
