package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ApplyPolicyFile overlays reward policy values from a YAML file. Keys absent from the
// file keep their environment values.
func ApplyPolicyFile(path string, policy *RewardPolicy) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	var doc struct {
		Rewards *RewardPolicy `yaml:"rewards"`
	}
	doc.Rewards = policy
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}
	return nil
}
