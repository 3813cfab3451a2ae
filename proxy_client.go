package cadence

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// proxyClient sends envelopes to the proxy. Replies never come back on the
// HTTP response; the proxy PUTs them to the client's listener.
type proxyClient struct {
	url  string
	http *http.Client
}

func newProxyClient(addr string, hc *http.Client, timeout time.Duration) *proxyClient {
	if hc == nil {
		hc = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 64,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &proxyClient{url: "http://" + addr + "/", http: hc}
}

// send transmits env and returns a *TransportError unless the proxy
// acknowledged it with 200.
func (p *proxyClient) send(ctx context.Context, env *Envelope) error {
	status, err := putEnvelope(ctx, p.http, p.url, env)
	if err != nil {
		return &TransportError{Op: env.Type.String(), Err: err}
	}
	if status != http.StatusOK {
		return &TransportError{Op: env.Type.String(), Err: errors.Errorf("proxy returned status %d", status)}
	}
	return nil
}

func (p *proxyClient) close() {
	p.http.CloseIdleConnections()
}

// putEnvelope PUTs an encoded envelope to url and returns the response
// status.
func putEnvelope(ctx context.Context, hc *http.Client, url string, env *Envelope) (int, error) {
	data, err := Encode(env)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return 0, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
