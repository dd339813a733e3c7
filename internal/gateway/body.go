package gateway

import (
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	errBodyTooLarge = errors.New("request body too large")
	errBodyTimeout  = errors.New("request body timed out")
)

// bufferBody collects the request body up to limit bytes within timeout.
// Exceeding the limit or the deadline yields the typed errors above; any
// other read failure is returned wrapped.
func bufferBody(r io.Reader, limit int64, timeout time.Duration) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(io.LimitReader(r, limit+1))
		ch <- result{data: data, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("body reading failed: %w", res.err)
		}
		if int64(len(res.data)) > limit {
			return nil, errBodyTooLarge
		}
		return res.data, nil
	case <-timer.C:
		return nil, errBodyTimeout
	}
}
