// Package settingsadapter exposes the process settings store over the
// "settings/" method prefix and publishes change notifications.
package settingsadapter

import (
	"context"
	"encoding/json"

	"github.com/codedeck/ecpd/internal/adapter/registry"
	"github.com/codedeck/ecpd/internal/domain/settings"
	"github.com/codedeck/ecpd/pkg/ecp"
)

// Adapter serves settings/get, settings/set, settings/delete and
// settings/all.
type Adapter struct {
	store *settings.Store
	sink  registry.NotificationSink
}

// New creates the settings adapter.
func New(store *settings.Store) *Adapter {
	return &Adapter{store: store}
}

// SetNotificationHandler implements registry.NotificationPublisher.
func (a *Adapter) SetNotificationHandler(sink registry.NotificationSink) {
	a.sink = sink
}

type keyParams struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// HandleRequest implements registry.Adapter.
func (a *Adapter) HandleRequest(_ context.Context, method string, params json.RawMessage) (any, *ecp.Error) {
	switch method {
	case "settings/get":
		p, perr := parseKey(params, false)
		if perr != nil {
			return nil, perr
		}
		value, ok := a.store.Get(p.Key)
		return map[string]any{"key": p.Key, "value": value, "exists": ok}, nil

	case "settings/set":
		p, perr := parseKey(params, true)
		if perr != nil {
			return nil, perr
		}
		var value any
		if err := json.Unmarshal(p.Value, &value); err != nil {
			return nil, ecp.NewError(ecp.CodeInvalidParams, "value is not valid JSON")
		}
		a.store.Set(p.Key, value)
		a.publish(p.Key)
		return map[string]any{"key": p.Key}, nil

	case "settings/delete":
		p, perr := parseKey(params, false)
		if perr != nil {
			return nil, perr
		}
		a.store.Delete(p.Key)
		a.publish(p.Key)
		return map[string]any{"key": p.Key}, nil

	case "settings/all":
		return map[string]any{"settings": map[string]any(a.store.Snapshot())}, nil

	default:
		return nil, ecp.NewMethodNotFound(method)
	}
}

func (a *Adapter) publish(key string) {
	if a.sink != nil {
		a.sink("settings/changed", map[string]any{"key": key})
	}
}

func parseKey(params json.RawMessage, needValue bool) (*keyParams, *ecp.Error) {
	var p keyParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, ecp.NewError(ecp.CodeInvalidParams, "invalid params: "+err.Error())
		}
	}
	if p.Key == "" {
		return nil, ecp.NewError(ecp.CodeInvalidParams, "key is required")
	}
	if needValue && len(p.Value) == 0 {
		return nil, ecp.NewError(ecp.CodeInvalidParams, "value is required")
	}
	return &p, nil
}

var (
	_ registry.Adapter               = (*Adapter)(nil)
	_ registry.NotificationPublisher = (*Adapter)(nil)
)
