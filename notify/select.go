package notify

import (
	"fmt"
	"time"

	"github.com/fluxgate/eventbus/observability"
	"github.com/fluxgate/eventbus/store"
)

// Options configures auto-selection of a Strategy, per spec.md §4.2's
// selection policy: an explicit Name overrides auto-detection;
// otherwise prefer BusNotify if BusURL is configured, else ServerNotify
// if the store's dialect supports LISTEN, else Polling alone. All
// non-polling selections are composed with Polling.
type Options struct {
	// Name forces a strategy: "polling", "server", or "bus". Empty
	// means auto-detect.
	Name string

	PollInterval time.Duration

	// Postgres LISTEN/NOTIFY.
	PostgresDSN         string
	ServerNotifyChannel string

	// BusNotify (NATS or Redis, selected by URL scheme).
	BusURL     string
	BusSubject string

	Dialect store.Dialect
	Obs     *observability.Subject
}

// Select constructs the Strategy named by opts, or auto-detects one.
func Select(opts Options) (Strategy, error) {
	polling := NewPolling(opts.PollInterval)

	switch opts.Name {
	case "polling":
		return polling, nil
	case "server":
		if opts.Dialect != nil && !opts.Dialect.SupportsListen() {
			return nil, ErrListenUnsupported
		}
		server := NewServerNotify(opts.PostgresDSN, opts.ServerNotifyChannel, opts.Obs)
		return NewCompose(opts.Obs, polling, server), nil
	case "bus":
		bus, err := NewBusNotify(opts.BusURL, opts.BusSubject)
		if err != nil {
			return nil, err
		}
		return NewCompose(opts.Obs, polling, bus), nil
	case "":
		// auto-detect below
	default:
		return nil, fmt.Errorf("notify: unknown strategy name %q", opts.Name)
	}

	if opts.BusURL != "" {
		bus, err := NewBusNotify(opts.BusURL, opts.BusSubject)
		if err != nil {
			return nil, err
		}
		return NewCompose(opts.Obs, polling, bus), nil
	}
	if opts.Dialect != nil && opts.Dialect.SupportsListen() && opts.PostgresDSN != "" {
		server := NewServerNotify(opts.PostgresDSN, opts.ServerNotifyChannel, opts.Obs)
		return NewCompose(opts.Obs, polling, server), nil
	}
	return polling, nil
}
