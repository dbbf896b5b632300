/*
Package models defines the data structures shared by the proxy-service packages.

Core Types:

ProxyRecord is one proxy handed out by the directory service:

	type ProxyRecord struct {
		ID  ProxyID // opaque id, JSON numbers and strings are both accepted
		URL string  // scheme://[user:password@]host:port
	}

Pool is the immutable list of records for one target. Its round-robin cursor
lives on the snapshot, so replacing the pool of a target resets it:

	p := models.NewPool("shop", records)
	next := p.Records[p.Advance()]

Strategy selects how proxies are picked from a pool:

	const (
		StrategyRandom     Strategy = "random"
		StrategyRoundRobin Strategy = "round-robin"
	)

Filters narrow down the pool the directory returns (len, loc, type, prov, plan).

BlockEvent is persisted every time a proxy is excluded for a target, and BlockStat
is one aggregated row of those events.
*/
package models
