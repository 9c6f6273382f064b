package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// stringList accepts either a YAML sequence or a single comma-separated
// string. INI sources always produce the single-string form.
type stringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = stringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: expected a list or a comma-separated string", node.Line)
	}
}

// values flattens the list, splitting every element on commas.
func (l stringList) values() []string {
	result := make([]string, 0, len(l))
	for _, item := range l {
		result = append(result, splitList(item)...)
	}
	return result
}

func parseYAML(data []byte) (*source, error) {
	src := &source{}
	if err := yaml.Unmarshal(data, src); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	return src, nil
}
