// Package gray marks requests that should be routed to gray instances.
package gray

import (
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/wudi/tollgate/internal/filter"
	"github.com/wudi/tollgate/internal/gwcontext"
	"github.com/wudi/tollgate/internal/rules"
)

// Header forces gray routing when set to "true".
const Header = "gray"

// bucketMask splits client ips into 1024 buckets; bucket 1 is gray.
const bucketMask = 1024 - 1

// Filter sets Context.Gray from the gray header or the client ip bucket.
type Filter struct{}

// New creates the gray filter.
func New() *Filter { return &Filter{} }

func (*Filter) ID() string { return rules.FilterGray }
func (*Filter) Order() int { return filter.OrderGray }

func (*Filter) DoFilter(ctx *gwcontext.Context) error {
	req := ctx.Request()
	if strings.EqualFold(req.Header().Get(Header), "true") {
		ctx.SetGray(true)
		return nil
	}
	if ip := req.ClientIP(); ip != "" && InBucket(ip) {
		ctx.SetGray(true)
	}
	return nil
}

// InBucket reports whether clientIP hashes into the gray bucket.
func InBucket(clientIP string) bool {
	return xxhash.Sum64String(clientIP)&bucketMask == 1
}
