package mapping

import (
	"fmt"

	"github.com/riverrun/replicator/pkg/events"
	"github.com/riverrun/replicator/pkg/models"
)

/*
Resolve canonicalises the five permitted resource-mapping syntaxes into a
flat binding list:

 1. list:              ["users", "orders"]
 2. flat map:          {users: "people"}
 3. full object:       {users: {destination: ..., actions: ..., transform: ...}}
 4. function:          {users: fn} (or a registered transform name via form 3)
 5. multi-destination: {users: ["people", {destination: "analytics", ...}]}

Resolution happens once at plugin start; failures are ConfigError and abort
startup.
*/
func Resolve(resources interface{}) ([]*Binding, error) {
	switch typed := resources.(type) {
	case []string:
		return resolveList(toInterfaceSlice(typed))
	case []interface{}:
		return resolveList(typed)
	case map[string]interface{}:
		return resolveMap(typed)
	case map[string]string:
		generic := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			generic[k] = v
		}
		return resolveMap(generic)
	default:
		return nil, &models.ConfigError{
			Field:   "resources",
			Message: fmt.Sprintf("unknown mapping syntax: %T", resources),
		}
	}
}

func resolveList(items []interface{}) ([]*Binding, error) {
	bindings := make([]*Binding, 0, len(items))
	for i, item := range items {
		name, ok := item.(string)
		if !ok {
			return nil, &models.ConfigError{
				Field:   "resources",
				Message: fmt.Sprintf("list form entry %d must be a resource name, got %T", i, item),
			}
		}
		bindings = append(bindings, defaultBinding(name, name))
	}
	return bindings, nil
}

func resolveMap(m map[string]interface{}) ([]*Binding, error) {
	var bindings []*Binding
	for source, raw := range m {
		resolved, err := resolveEntry(source, raw)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, resolved...)
	}
	return bindings, nil
}

func resolveEntry(source string, raw interface{}) ([]*Binding, error) {
	switch typed := raw.(type) {
	case string:
		// Flat map form: rename only.
		return []*Binding{defaultBinding(source, typed)}, nil
	case TransformFunc:
		b := defaultBinding(source, source)
		b.Transform = typed
		return []*Binding{b}, nil
	case func(events.Record, string) (events.Record, error):
		b := defaultBinding(source, source)
		b.Transform = typed
		return []*Binding{b}, nil
	case map[string]interface{}:
		b, err := resolveObject(source, typed)
		if err != nil {
			return nil, err
		}
		return []*Binding{b}, nil
	case []interface{}:
		// Multi-destination form: each element is any of the above.
		var out []*Binding
		for _, item := range typed {
			resolved, err := resolveEntry(source, item)
			if err != nil {
				return nil, err
			}
			out = append(out, resolved...)
		}
		return out, nil
	default:
		return nil, &models.ConfigError{
			Field:   "resources." + source,
			Message: fmt.Sprintf("unknown mapping syntax: %T", raw),
		}
	}
}

func resolveObject(source string, obj map[string]interface{}) (*Binding, error) {
	b := defaultBinding(source, source)

	if dest, ok := obj["destination"]; ok {
		s, ok := dest.(string)
		if !ok || s == "" {
			return nil, &models.ConfigError{
				Field:   "resources." + source + ".destination",
				Message: "destination must be a non-empty string",
			}
		}
		b.Destination = s
	}

	if rawActions, ok := obj["actions"]; ok {
		actions, err := resolveActions(source, rawActions)
		if err != nil {
			return nil, err
		}
		b.Actions = actions
	}

	if rawTransform, ok := obj["transform"]; ok {
		if err := attachTransform(b, source, rawTransform); err != nil {
			return nil, err
		}
	}

	if rawSpec, ok := obj["transformSpec"]; ok {
		if b.Transform != nil {
			return nil, &models.ConfigError{
				Field:   "resources." + source,
				Message: "transform and transformSpec are mutually exclusive",
			}
		}
		fn, err := CompileKazaam(rawSpec)
		if err != nil {
			return nil, &models.ConfigError{
				Field:   "resources." + source + ".transformSpec",
				Message: err.Error(),
			}
		}
		b.Transform = fn
		b.TransformName = "kazaam"
	}

	if rawFilter, ok := obj["shouldReplicate"]; ok {
		if err := attachFilter(b, source, rawFilter); err != nil {
			return nil, err
		}
	}

	return b, nil
}

func resolveActions(source string, raw interface{}) (map[string]bool, error) {
	items, ok := raw.([]interface{})
	if !ok {
		if strs, sok := raw.([]string); sok {
			items = toInterfaceSlice(strs)
		} else {
			return nil, &models.ConfigError{
				Field:   "resources." + source + ".actions",
				Message: fmt.Sprintf("actions must be a list, got %T", raw),
			}
		}
	}
	actions := make(map[string]bool, len(items))
	for _, item := range items {
		action, ok := item.(string)
		if !ok || !events.ValidOperation(action) {
			return nil, &models.ConfigError{
				Field:   "resources." + source + ".actions",
				Message: fmt.Sprintf("invalid action: %v", item),
			}
		}
		actions[action] = true
	}
	return actions, nil
}

func attachTransform(b *Binding, source string, raw interface{}) error {
	switch fn := raw.(type) {
	case TransformFunc:
		b.Transform = fn
	case func(events.Record, string) (events.Record, error):
		b.Transform = fn
	case string:
		registered, ok := lookupTransform(fn)
		if !ok {
			return &models.ConfigError{
				Field:   "resources." + source + ".transform",
				Message: fmt.Sprintf("transform %q is not registered", fn),
			}
		}
		b.Transform = registered
		b.TransformName = fn
	default:
		return &models.ConfigError{
			Field:   "resources." + source + ".transform",
			Message: fmt.Sprintf("transform must be a function or registered name, got %T", raw),
		}
	}
	return nil
}

func attachFilter(b *Binding, source string, raw interface{}) error {
	switch fn := raw.(type) {
	case FilterFunc:
		b.ShouldReplicate = fn
	case func(events.Record, string) bool:
		b.ShouldReplicate = fn
	case string:
		registered, ok := lookupFilter(fn)
		if !ok {
			return &models.ConfigError{
				Field:   "resources." + source + ".shouldReplicate",
				Message: fmt.Sprintf("filter %q is not registered", fn),
			}
		}
		b.ShouldReplicate = registered
		b.FilterName = fn
	default:
		return &models.ConfigError{
			Field:   "resources." + source + ".shouldReplicate",
			Message: fmt.Sprintf("shouldReplicate must be a predicate or registered name, got %T", raw),
		}
	}
	return nil
}

func defaultBinding(source, destination string) *Binding {
	return &Binding{
		Source:      source,
		Destination: destination,
		Actions: map[string]bool{
			events.OpInserted: true,
			events.OpUpdated:  true,
			events.OpDeleted:  true,
		},
	}
}

func toInterfaceSlice(strs []string) []interface{} {
	out := make([]interface{}, len(strs))
	for i, s := range strs {
		out[i] = s
	}
	return out
}
