package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/me/taskbroker/pkg/model"
)

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 16 << 20

// HTTPInvoker POSTs the opaque payload to a provider endpoint.
type HTTPInvoker struct {
	spec   model.ProviderSpec
	client *http.Client
}

// NewHTTPInvoker creates an HTTPInvoker. A nil client uses a default one;
// per-call deadlines come from the context.
func NewHTTPInvoker(spec model.ProviderSpec, client *http.Client) *HTTPInvoker {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPInvoker{spec: spec, client: client}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	body := withModel(req.Payload, h.spec.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.spec.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, model.NewProviderError(model.ProviderTransport, h.spec.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Task-Type", string(req.TaskType))
	httpReq.Header.Set("X-Request-Id", req.ItemID)
	for k, v := range h.spec.Headers {
		httpReq.Header.Set(k, v)
	}
	if h.spec.APIKeyEnv != "" {
		if key := os.Getenv(h.spec.APIKeyEnv); key != "" {
			httpReq.Header.Set("Authorization", "Bearer "+key)
		}
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Response{}, model.NewProviderError(model.ProviderTransport, h.spec.Name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, model.NewProviderError(model.ProviderTransport, h.spec.Name, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		pe := model.NewProviderError(model.ProviderRateLimited, h.spec.Name, statusError(resp.StatusCode, data))
		pe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return Response{}, pe
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusPaymentRequired,
		resp.StatusCode == http.StatusForbidden:
		return Response{}, model.NewProviderError(model.ProviderRejected, h.spec.Name, statusError(resp.StatusCode, data))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Response{}, model.NewProviderError(model.ProviderTransport, h.spec.Name, statusError(resp.StatusCode, data))
	}

	return Response{Output: data, Usage: parseUsage(data)}, nil
}

const maxErrorBody = 200

func statusError(code int, body []byte) error {
	msg := strings.ToValidUTF8(strings.TrimSpace(string(body)), "\uFFFD")
	if len(msg) > maxErrorBody {
		n := maxErrorBody
		for n > 0 && !utf8.RuneStart(msg[n]) {
			n--
		}
		msg = msg[:n]
	}
	if msg == "" {
		return fmt.Errorf("HTTP %d", code)
	}
	return fmt.Errorf("HTTP %d: %s", code, msg)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// parseUsage extracts an optional top-level "usage" object.
func parseUsage(data []byte) *Usage {
	var doc struct {
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	return doc.Usage
}

// withModel adds "model" to a JSON object payload that lacks one.
// Anything else is sent untouched.
func withModel(payload []byte, modelName string) []byte {
	if modelName == "" {
		return payload
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return payload
	}
	if _, ok := obj["model"]; ok {
		return payload
	}
	name, _ := json.Marshal(modelName)
	obj["model"] = name
	out, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return out
}
