package routing

import (
	"encoding/base64"
	"fmt"
	"net/url"
)

const proxyAuthorizationHeader = "Proxy-Authorization"

// SplitCredentials strips user:password from a proxy URL. It returns the bare
// scheme://host[:port] endpoint and the credentials, nil when the URL has no username.
func SplitCredentials(rawURL string) (*url.URL, *url.Userinfo, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, nil, fmt.Errorf("invalid proxy url %q: missing scheme or host", u.Redacted())
	}

	endpoint := &url.URL{Scheme: u.Scheme, Host: u.Host}

	var creds *url.Userinfo
	if u.User != nil && u.User.Username() != "" {
		creds = u.User
	}
	return endpoint, creds, nil
}

// BasicAuth renders the Proxy-Authorization value for creds.
func BasicAuth(creds *url.Userinfo) string {
	password, _ := creds.Password()
	raw := creds.Username() + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}
