package client

import (
	"net/http"
	"net/url"
	"strings"

	"backendlink/internal/cache"
	"backendlink/internal/endpoint"
)

// CachePolicy selects how cached and live data are combined for one call.
type CachePolicy = cache.Policy

const (
	NetworkOnly     = cache.NetworkOnly
	CacheFirst      = cache.CacheFirst
	NetworkFirst    = cache.NetworkFirst
	CacheAndNetwork = cache.CacheAndNetwork
	CacheOnly       = cache.CacheOnly
	// PolicyFromRule adopts the policy of the first matching endpoint rule.
	PolicyFromRule CachePolicy = "from_rule"
)

// Descriptor is an immutable request description. Build it with
// NewDescriptor; accessors return copies.
type Descriptor struct {
	method       string
	path         string
	query        url.Values
	body         []byte
	headers      http.Header
	requiresAuth bool
	resourceType string
	resourceID   string
}

type DescriptorOption func(*Descriptor)

func NewDescriptor(method, path string, opts ...DescriptorOption) Descriptor {
	d := Descriptor{
		method:       strings.ToUpper(strings.TrimSpace(method)),
		path:         endpoint.Normalize(path),
		requiresAuth: true,
	}
	if d.method == "" {
		d.method = http.MethodGet
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

func WithQuery(query url.Values) DescriptorOption {
	return func(d *Descriptor) { d.query = cloneValues(query) }
}

// WithBody sets a raw JSON body.
func WithBody(body []byte) DescriptorOption {
	return func(d *Descriptor) { d.body = append([]byte(nil), body...) }
}

func WithHeader(key, value string) DescriptorOption {
	return func(d *Descriptor) {
		if d.headers == nil {
			d.headers = make(http.Header)
		}
		d.headers.Add(key, value)
	}
}

// Public marks a request that is sent without credential or signature.
func Public() DescriptorOption {
	return func(d *Descriptor) { d.requiresAuth = false }
}

// WithResource names the resource a mutation touches, for the offline queue.
func WithResource(resourceType, resourceID string) DescriptorOption {
	return func(d *Descriptor) {
		d.resourceType = resourceType
		d.resourceID = resourceID
	}
}

func (d Descriptor) Method() string       { return d.method }
func (d Descriptor) Path() string         { return d.path }
func (d Descriptor) Query() url.Values    { return cloneValues(d.query) }
func (d Descriptor) Body() []byte         { return append([]byte(nil), d.body...) }
func (d Descriptor) Header() http.Header  { return d.headers.Clone() }
func (d Descriptor) RequiresAuth() bool   { return d.requiresAuth }
func (d Descriptor) ResourceType() string { return d.resourceType }
func (d Descriptor) ResourceID() string   { return d.resourceID }

// Key is the cache and in-flight sharing key.
func (d Descriptor) Key() string {
	return endpoint.Key(d.path, d.query)
}

func (d Descriptor) cacheable() bool {
	return d.method == http.MethodGet
}

func (d Descriptor) idempotent() bool {
	switch d.method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func (d Descriptor) mutating() bool {
	switch d.method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func cloneValues(values url.Values) url.Values {
	if values == nil {
		return nil
	}
	out := make(url.Values, len(values))
	for key, vals := range values {
		out[key] = append([]string(nil), vals...)
	}
	return out
}

// Result is one value from Stream. Cached is true for the value emitted from
// the cache ahead of the network result.
type Result[T any] struct {
	Value  T
	Err    error
	Cached bool
	Stale  bool
}
