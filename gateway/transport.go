package gateway

import (
	"context"
	"net/http"
	"time"
)

// authTransport injects the connection's static credentials into every
// outbound attempt, including retries.
type authTransport struct {
	base http.RoundTripper
	auth AuthConfig
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	switch t.auth.Type {
	case AuthBearer:
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.auth.Token)
	case AuthAPIKey:
		req = req.Clone(req.Context())
		req.Header.Set(t.auth.Header, t.auth.Key)
	case AuthBasic:
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.auth.Username, t.auth.Password)
	}
	return t.base.RoundTrip(req)
}

// newHTTPClient builds the connection's client. Timeouts are enforced per
// attempt through the request context, not on the client, so a per-call
// override never fights a stale client-level deadline.
func newHTTPClient(auth AuthConfig) *http.Client {
	return &http.Client{
		Transport: &authTransport{base: http.DefaultTransport, auth: auth},
	}
}

// probeConnectivity verifies the base address answers at the transport
// level before a rebuilt client is swapped in. Any HTTP response counts:
// reachability is what is being validated, not handler behavior.
func probeConnectivity(ctx context.Context, client *http.Client, baseAddress string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseAddress, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
