package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"

	"backendlink/internal/logging"
)

// Operation is a mutation handed to the offline queue.
type Operation struct {
	Type         string
	Endpoint     string
	Method       string
	Body         []byte
	ResourceType string
	ResourceID   string
}

// OfflineQueue persists and replays mutations made while offline. This
// package only detects the condition and delegates.
type OfflineQueue interface {
	Enqueue(ctx context.Context, op Operation) error
}

// ConnectivityProbe is a host-provided reachability signal.
type ConnectivityProbe interface {
	Online() bool
}

func operationFor(d Descriptor) Operation {
	return Operation{
		Type:         operationType(d.method),
		Endpoint:     d.Key(),
		Method:       d.method,
		Body:         d.Body(),
		ResourceType: d.resourceType,
		ResourceID:   d.resourceID,
	}
}

func operationType(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "other"
	}
}

// isNoNetwork reports a definite lack of network, as opposed to a failure
// to reach one host. DNS failures are not included.
func isNoNetwork(err error) bool {
	if err == nil {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return false
	}
	return errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETDOWN)
}

// offline reports whether the probe says the host has no connectivity.
func (c *Client) offline() bool {
	return c.probe != nil && !c.probe.Online()
}

// enqueueOffline hands a mutation to the queue and returns the error the
// caller sees. Without a queue it is a plain transport failure.
func (c *Client) enqueueOffline(ctx context.Context, d Descriptor, cause error) error {
	if c.queue == nil || !d.mutating() {
		return transportError(cause)
	}
	op := operationFor(d)
	if err := c.queue.Enqueue(context.WithoutCancel(ctx), op); err != nil {
		c.logger.Warn("offline enqueue failed", append(c.requestFields(d), logging.Field("error", err))...)
		return transportError(errors.Join(cause, err))
	}
	c.logger.Info("request queued for replay", c.requestFields(d)...)
	return &Error{Kind: KindTransport, Queued: true, Err: cause}
}
