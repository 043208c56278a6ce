package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/routstr/proxy/internal/costmodel"
)

// Client issues the forwarded HTTP call and classifies/parses the response
// (§4.7).
type Client struct {
	http *http.Client
}

// NewClient wraps an *http.Client with no request-level deadline. LLM
// completions run long, so the upstream call has no write/read timeout by
// design (§5).
func NewClient(httpClient *http.Client) *Client {
	return &Client{http: httpClient}
}

// Response wraps the upstream's status/headers/body for the proxy engine
// to classify into BUFFERED or STREAMING.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Dispatch sends method/url/headers/body to the upstream and returns the
// raw response for the engine to classify (§4.7 FORWARDING).
func (c *Client) Dispatch(ctx context.Context, method, url string, headers http.Header, body io.Reader) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header = headers

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: dispatch: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

// IsStreaming reports whether a response should be treated as SSE (§4.7
// FORWARDING → STREAMING): an explicit text/event-stream content type, or
// the fallback sniff of the first non-empty line looking like an SSE
// "data:" or "event:" line.
func IsStreaming(header http.Header, sniff []byte) bool {
	ct := header.Get("Content-Type")
	if strings.Contains(ct, "text/event-stream") {
		return true
	}
	trimmed := bytes.TrimSpace(sniff)
	return bytes.HasPrefix(trimmed, []byte("data:")) || bytes.HasPrefix(trimmed, []byte("event:"))
}

// rawUsage is the JSON shape read out of a chat-completions or
// responses-API usage object, covering both token-count vocabularies and
// the two optional cost fields (§4.3).
type rawUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	Cost             float64 `json:"cost"`
	CostDetails      struct {
		UpstreamInferenceCost float64 `json:"upstream_inference_cost"`
	} `json:"cost_details"`
	CompletionTokensDetails struct {
		ImageTokens int64 `json:"image_tokens"`
	} `json:"completion_tokens_details"`
}

type responseEnvelope struct {
	Model string    `json:"model"`
	Usage *rawUsage `json:"usage"`
}

func toUsage(r *rawUsage) *costmodel.Usage {
	if r == nil {
		return nil
	}
	return &costmodel.Usage{
		PromptTokens:             r.PromptTokens,
		CompletionTokens:         r.CompletionTokens,
		InputTokens:              r.InputTokens,
		OutputTokens:             r.OutputTokens,
		ImageTokens:              r.CompletionTokensDetails.ImageTokens,
		CostUSD:                  r.Cost,
		UpstreamInferenceCostUSD: r.CostDetails.UpstreamInferenceCost,
	}
}

// ParseBufferedUsage attempts a JSON parse of a full, buffered response body
// and extracts its usage object (§4.7 BUFFERED). ok is false when the body
// did not parse as JSON at all, signaling the caller to settle at
// max_cost_msat per §4.7's conservative fallback.
func ParseBufferedUsage(body []byte) (usage *costmodel.Usage, model string, ok bool) {
	var env responseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, "", false
	}
	return toUsage(env.Usage), env.Model, true
}

// StreamUsageTracker accumulates the last-observed usage and model across an
// SSE stream as its events are tee'd through TeeLine (§4.7 STREAMING).
type StreamUsageTracker struct {
	usage *costmodel.Usage
	model string
}

// TeeLine inspects one line of SSE framing (as delivered to the client) and
// records its usage/model if present. Lines that are not JSON data frames,
// or frames without a usage object, are ignored without error; most SSE
// events in a chat completion stream carry no usage at all.
func (t *StreamUsageTracker) TeeLine(line []byte) {
	data, ok := sseDataPayload(line)
	if !ok {
		return
	}
	if bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]")) {
		return
	}
	var env responseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	if env.Usage != nil {
		t.usage = toUsage(env.Usage)
	}
	if env.Model != "" {
		t.model = env.Model
	}
}

// Result returns the last-observed usage and model, if any were seen.
func (t *StreamUsageTracker) Result() (*costmodel.Usage, string) {
	return t.usage, t.model
}

func sseDataPayload(line []byte) ([]byte, bool) {
	trimmed := bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(trimmed, []byte("data:")) {
		return nil, false
	}
	return bytes.TrimSpace(trimmed[len("data:"):]), true
}

// CopyAndTee streams src to dst line-by-line (preserving SSE framing
// exactly), calling tee.TeeLine on each line as it is forwarded. It returns
// once src is exhausted or ctx is canceled.
func CopyAndTee(ctx context.Context, dst io.Writer, src io.Reader, tee *StreamUsageTracker) error {
	reader := bufio.NewReader(src)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			tee.TeeLine(line)
			if _, writeErr := dst.Write(line); writeErr != nil {
				return writeErr
			}
			if flusher, ok := dst.(interface{ Flush() }); ok {
				flusher.Flush()
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
