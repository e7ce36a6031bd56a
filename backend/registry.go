// Package backend holds the registry of Backend types
// and helpers that work across backends.
// The Backend implementations live in its subpackages.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/keeper"
)

// Factory creates a Backend from a config map,
// typically decoded from JSON.
type Factory func(context.Context, map[string]interface{}) (keeper.Backend, error)

var registry = make(map[string]Factory)

// Register makes a Backend type available to Create under the given name.
// Backend subpackages call it from their init functions.
func Register(key string, f Factory) {
	registry[key] = f
}

// Create builds a Backend of the named type from conf.
func Create(ctx context.Context, key string, conf map[string]interface{}) (keeper.Backend, error) {
	f, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("key %s not found in registry", key)
	}
	return f(ctx, conf)
}

// FromConfig builds a Backend from conf,
// whose "type" parameter names the Backend type.
func FromConfig(ctx context.Context, conf map[string]interface{}) (keeper.Backend, error) {
	typ, ok := conf["type"].(string)
	if !ok {
		return nil, errors.New(`missing "type" parameter`)
	}
	return Create(ctx, typ, conf)
}

// Nested builds the Backend described by conf[param].
// Decorator backends use it for the backend they wrap.
func Nested(ctx context.Context, conf map[string]interface{}, param string) (keeper.Backend, error) {
	nested, ok := conf[param].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf(`missing "%s" parameter`, param)
	}
	b, err := FromConfig(ctx, nested)
	return b, errors.Wrapf(err, `creating "%s" backend`, param)
}

// Int reads an optional integer parameter from conf,
// which may hold it as a json.Number (when decoded with UseNumber),
// a float64 (when decoded without it),
// or an int (when built in Go).
func Int(conf map[string]interface{}, param string, dflt int) (int, error) {
	switch v := conf[param].(type) {
	case nil:
		return dflt, nil
	case int:
		return v, nil
	case float64:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		return int(n), errors.Wrapf(err, `parsing "%s" parameter %v`, param, v)
	default:
		return 0, fmt.Errorf(`"%s" parameter has type %T, want number`, param, v)
	}
}

// Duration reads an optional duration parameter from conf,
// expressed as a string such as "30s".
func Duration(conf map[string]interface{}, param string, dflt time.Duration) (time.Duration, error) {
	switch v := conf[param].(type) {
	case nil:
		return dflt, nil
	case string:
		d, err := time.ParseDuration(v)
		return d, errors.Wrapf(err, `parsing "%s" parameter %s`, param, v)
	default:
		return 0, fmt.Errorf(`"%s" parameter has type %T, want string`, param, v)
	}
}
