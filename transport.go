package ganko

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptrace"
	"time"
)

// Doer performs one HTTP round trip. *http.Client satisfies it; tests can
// substitute a fake.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request is the logical request submitted to the Executor.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte

	// Timeout, when set, wins over the timeout policy for this request.
	Timeout time.Duration

	// Retry, when set, replaces the executor's retry defaults for this
	// request. Numeric and slice fields merge over the defaults when left
	// zero; boolean fields are taken verbatim, so start from
	// DefaultRetryConfig and adjust.
	Retry *RetryConfig
}

// Response is the terminal outcome of an executed request.
type Response struct {
	Status   int
	Headers  http.Header
	Body     []byte
	Proto    string
	Elapsed  time.Duration
	Reused   bool
	Attempts int

	RequestID string
}

// attemptResult carries what a single transport attempt observed, even when
// the attempt failed.
type attemptResult struct {
	response *Response
	elapsed  time.Duration
	reused   bool
	proto    string
	err      *RequestError
}

func (r *attemptResult) timedOut() bool {
	return r.err != nil && r.err.Kind == ErrKindTimeout
}

// doAttempt performs one transport call with the given timeout and
// classifies the outcome. Connection reuse is observed via httptrace.
func doAttempt(ctx context.Context, client Doer, req *Request, timeout time.Duration, maxBody int64, isFailureStatus func(int) bool) attemptResult {
	var result attemptResult

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			result.reused = info.Reused
		},
	}
	ctx = httptrace.WithClientTrace(ctx, trace)

	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		result.err = &RequestError{Kind: ErrKindInternal, Err: err}
		return result
	}

	for name, values := range req.Headers {
		for _, v := range values {
			hreq.Header.Add(name, v)
		}
	}

	start := time.Now()

	hresp, err := client.Do(hreq)
	result.elapsed = time.Since(start)

	if err != nil {
		kind := ErrKindNetwork

		if errors.Is(err, context.DeadlineExceeded) {
			kind = ErrKindTimeout
		}

		if errors.Is(err, context.Canceled) {
			kind = ErrKindCanceled
		}

		result.err = &RequestError{Kind: kind, Err: err}

		return result
	}
	defer hresp.Body.Close()

	result.proto = hresp.Proto

	var reader io.Reader = hresp.Body
	if maxBody > 0 {
		reader = io.LimitReader(hresp.Body, maxBody+1)
	}

	body, err := io.ReadAll(reader)
	result.elapsed = time.Since(start)

	if err != nil {
		kind := ErrKindBodyRead
		if errors.Is(err, context.DeadlineExceeded) {
			kind = ErrKindTimeout
		}

		result.err = &RequestError{Kind: kind, Err: err}

		return result
	}

	if maxBody > 0 && int64(len(body)) > maxBody {
		result.err = &RequestError{Kind: ErrKindBodyRead, Err: errors.New("response body too large")}
		return result
	}

	if isFailureStatus(hresp.StatusCode) {
		result.err = &RequestError{Kind: ErrKindBadStatus, StatusCode: hresp.StatusCode}
		return result
	}

	result.response = &Response{
		Status:  hresp.StatusCode,
		Headers: hresp.Header.Clone(),
		Body:    body,
		Proto:   hresp.Proto,
		Elapsed: result.elapsed,
		Reused:  result.reused,
	}

	return result
}
