package converger

import (
	"encoding/json"

	"github.com/ottercloud/otter/internal/plan"
)

// injectMetadata returns a copy of the launch template with key=value set in
// its metadata object, creating the object when absent.
func injectMetadata(launch plan.LaunchArgs, key, value string) (plan.LaunchArgs, error) {
	var template map[string]json.RawMessage
	if err := json.Unmarshal(launch, &template); err != nil {
		return nil, err
	}

	metadata := map[string]string{}
	if raw, ok := template["metadata"]; ok {
		if err := json.Unmarshal(raw, &metadata); err != nil {
			return nil, err
		}
	}
	metadata[key] = value

	rawMeta, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	template["metadata"] = rawMeta
	return json.Marshal(template)
}
