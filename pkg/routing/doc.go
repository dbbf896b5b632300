/*
Package routing attaches proxies from a per-target pool to outbound HTTP requests and
reacts when a proxy turns out to be blocked.

Key Components:

  - Engine: Registry of proxied targets plus the Route, OnResponse and OnError hooks
  - TargetConfig: Per-target strategy, directory filters, block predicate and retry bound
  - RoutingContext: Per-request record of the chosen proxy and the routing outcome
  - Transport: http.RoundTripper driving the hooks and re-dispatching failed requests

Request Lifecycle:

 1. Route:
    - Skips requests for unregistered targets and requests marked with WithProxyDisabled
    - Loads the target pool on first use and selects a proxy with the target strategy
    - Strips credentials from the proxy URL and sends them as Proxy-Authorization
    - Sends the request without a proxy when no pool or proxy is available

 2. OnResponse:
    - Status 403, 503 and 504 always mean blocked, otherwise the target predicate decides
    - A blocked proxy is excluded by refreshing the pool, the response is returned as-is

 3. OnError:
    - Timeouts, refused, reset and aborted connections and other I/O failures mean blocked
    - The proxy is excluded and the request is routed again through a fresh proxy
    - Other errors, and requests that ran out of attempts, propagate unchanged

Usage Example:

	store := pool.NewStore(directoryClient, logger)
	engine := routing.NewEngine(store, selector.New(nil, logger), logger)

	err := engine.Register(ctx, "shop", routing.TargetConfig{
		Strategy: models.StrategyRoundRobin,
		Filters:  models.Filters{Loc: "us"},
	})
	if err != nil {
		log.Fatal(err)
	}

	client := &http.Client{Transport: engine.NewTransport("shop")}
	resp, err := client.Get("https://shop.example.com/")

HTTPS targets go through a CONNECT tunnel. NewTransport wires Engine.ProxyConnectHeader
into the transport so the tunnel is authenticated with the same credentials. SOCKS5
proxies receive their credentials in the proxy URL returned by Engine.Proxy.
*/
package routing
