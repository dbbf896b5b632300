package models

import (
	"net/url"
	"strconv"
)

// Filters narrow down the pool the directory hands out for a target.
// Zero values are not sent.
type Filters struct {
	Len  int    `mapstructure:"len"`  // length bucket
	Loc  string `mapstructure:"loc"`  // location
	Type string `mapstructure:"type"` // proxy type
	Prov string `mapstructure:"prov"` // provider
	Plan string `mapstructure:"plan"` // provider plan
}

// Values returns the filters as directory query parameters.
func (f Filters) Values() url.Values {
	v := url.Values{}
	if f.Len != 0 {
		v.Set("len", strconv.Itoa(f.Len))
	}
	if f.Loc != "" {
		v.Set("loc", f.Loc)
	}
	if f.Type != "" {
		v.Set("type", f.Type)
	}
	if f.Prov != "" {
		v.Set("prov", f.Prov)
	}
	if f.Plan != "" {
		v.Set("plan", f.Plan)
	}
	return v
}
