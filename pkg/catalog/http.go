package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/gateway/httpclient"
	"golang.org/x/time/rate"
)

// HTTPLoader loads through a STAC API with the transactions extension.
type HTTPLoader struct {
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	attempts int
	backoff  time.Duration
}

// NewHTTPLoader throttles to rps requests per second; rps <= 0 disables the
// throttle.
func NewHTTPLoader(baseURL string, client *http.Client, rps float64) *HTTPLoader {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	if client == nil {
		client = httpclient.New(30 * time.Second)
	}
	return &HTTPLoader{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		limiter:  rate.NewLimiter(limit, burst),
		attempts: 3,
		backoff:  200 * time.Millisecond,
	}
}

// Load creates the item, or replaces it when the API reports it exists.
func (l *HTTPLoader) Load(ctx context.Context, item json.RawMessage) error {
	h, err := readHeader(item)
	if err != nil {
		return err
	}
	if h.Collection == "" {
		return &LoadError{Kind: KindValidation, Err: errors.New("item has no collection")}
	}

	itemsURL := fmt.Sprintf("%s/collections/%s/items", l.baseURL, url.PathEscape(h.Collection))
	code, body, err := l.send(ctx, http.MethodPost, itemsURL, item)
	if err != nil {
		return err
	}
	if code == http.StatusConflict {
		code, body, err = l.send(ctx, http.MethodPut, itemsURL+"/"+url.PathEscape(h.ID), item)
		if err != nil {
			return err
		}
	}
	return statusError(code, body)
}

func (l *HTTPLoader) PublishCollection(ctx context.Context, collection json.RawMessage) error {
	h, err := readHeader(collection)
	if err != nil {
		return err
	}
	code, body, err := l.send(ctx, http.MethodPost, l.baseURL+"/collections", collection)
	if err != nil {
		return err
	}
	if code == http.StatusConflict {
		code, body, err = l.send(ctx, http.MethodPut, l.baseURL+"/collections/"+url.PathEscape(h.ID), collection)
		if err != nil {
			return err
		}
	}
	return statusError(code, body)
}

func (l *HTTPLoader) DeleteCollection(ctx context.Context, id string) error {
	code, body, err := l.send(ctx, http.MethodDelete, l.baseURL+"/collections/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return statusError(code, body)
}

// send performs one logical request, retrying transport failures and
// transient statuses. The returned status is final.
func (l *HTTPLoader) send(ctx context.Context, method, target string, payload []byte) (int, string, error) {
	var (
		code int
		body string
	)
	err := httpclient.Retry(ctx, l.attempts, l.backoff, func() error {
		if err := l.limiter.Wait(ctx); err != nil {
			return httpclient.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return httpclient.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := l.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		code, body = resp.StatusCode, strings.TrimSpace(string(raw))
		if httpclient.IsRetriableStatus(code) || code >= 500 {
			return fmt.Errorf("%s %s: status %d", method, target, code)
		}
		return nil
	})
	if err != nil && code == 0 {
		return 0, "", &LoadError{Kind: KindConnectivity, Err: err}
	}
	return code, body, nil
}

func statusError(code int, body string) error {
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("catalog responded %d: %s", code, body)
	switch {
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return &LoadError{Kind: KindValidation, Err: err}
	case code == http.StatusNotFound || code == http.StatusConflict:
		return &LoadError{Kind: KindConstraint, Err: err}
	case httpclient.IsRetriableStatus(code) || code >= 500:
		return &LoadError{Kind: KindConnectivity, Err: err}
	default:
		return &LoadError{Kind: KindUnknown, Err: err}
	}
}
