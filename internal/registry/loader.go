package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"

	checkpointv1 "github.com/devsisters/checkpoint/api/v1"
)

// fileDoc is the on-disk envelope a rule/policy YAML file must carry: a
// "kind" discriminator plus the kind-specific body, mirroring the
// apiVersion/kind split of any real Kubernetes manifest without requiring
// the rest of the CRD machinery.
type fileDoc struct {
	Kind string `json:"kind"`
}

// LoadDir populates r from every *.yaml/*.yml file directly under dir. It
// is a stand-in for the (out-of-scope) controller that would otherwise
// watch ValidatingRule/MutatingRule/CronPolicy CRDs and call r.Put*
// itself; useful for local runs and tests where no apiserver is present.
func LoadDir(r *Registry, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("registry: reading %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("registry: reading %s: %w", path, err)
		}
		if err := LoadFile(r, raw); err != nil {
			return fmt.Errorf("registry: loading %s: %w", path, err)
		}
	}
	return nil
}

// LoadFile decodes one YAML document and stores it in r according to its
// "kind" field.
func LoadFile(r *Registry, raw []byte) error {
	var doc fileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decoding kind: %w", err)
	}

	switch doc.Kind {
	case "ValidatingRule":
		var rule checkpointv1.ValidatingRule
		if err := yaml.Unmarshal(raw, &rule); err != nil {
			return fmt.Errorf("decoding ValidatingRule: %w", err)
		}
		r.PutValidatingRule(rule)
	case "MutatingRule":
		var rule checkpointv1.MutatingRule
		if err := yaml.Unmarshal(raw, &rule); err != nil {
			return fmt.Errorf("decoding MutatingRule: %w", err)
		}
		r.PutMutatingRule(rule)
	case "CronPolicy":
		var policy checkpointv1.CronPolicy
		if err := yaml.Unmarshal(raw, &policy); err != nil {
			return fmt.Errorf("decoding CronPolicy: %w", err)
		}
		r.PutCronPolicy(policy)
	default:
		return fmt.Errorf("unknown kind %q", doc.Kind)
	}
	return nil
}
