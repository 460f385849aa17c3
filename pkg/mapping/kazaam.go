package mapping

import (
	"fmt"

	"github.com/pquerna/ffjson/ffjson"
	kazaam "github.com/qntfy/kazaam/v4"

	"github.com/riverrun/replicator/pkg/events"
)

// CompileKazaam builds a TransformFunc from a kazaam spec. The spec may be
// the raw JSON string or the already-decoded spec structure from a config
// file. Compilation failures are startup errors.
func CompileKazaam(rawSpec interface{}) (TransformFunc, error) {
	var spec string
	switch typed := rawSpec.(type) {
	case string:
		spec = typed
	default:
		encoded, err := ffjson.Marshal(rawSpec)
		if err != nil {
			return nil, fmt.Errorf("invalid kazaam spec: %w", err)
		}
		spec = string(encoded)
	}

	k, err := kazaam.New(spec, kazaam.NewDefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("invalid kazaam spec: %w", err)
	}

	return func(record events.Record, _ string) (events.Record, error) {
		data, err := ffjson.Marshal(record)
		if err != nil {
			return nil, err
		}
		out, err := k.Transform(data)
		if err != nil {
			return nil, err
		}
		transformed := make(events.Record)
		if err := ffjson.Unmarshal(out, &transformed); err != nil {
			return nil, err
		}
		return transformed, nil
	}, nil
}
