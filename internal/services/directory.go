package services

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StaticDirectory resolves approvers from a YAML file:
//
//	roles:
//	  finance: [u-401, u-402]
//	managers:
//	  u-100: u-200
//	cost_center_owners:
//	  CC-10: u-300
type StaticDirectory struct {
	Roles            map[string][]string `yaml:"roles"`
	Managers         map[string]string   `yaml:"managers"`
	CostCenterOwners map[string]string   `yaml:"cost_center_owners"`
}

// LoadStaticDirectory reads a directory file.
func LoadStaticDirectory(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory file: %w", err)
	}
	var dir StaticDirectory
	if err := yaml.Unmarshal(data, &dir); err != nil {
		return nil, fmt.Errorf("failed to parse directory file: %w", err)
	}
	return &dir, nil
}

func stringAt(vars map[string]any, keys ...string) string {
	var cur any = vars
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[k]
	}
	s, _ := cur.(string)
	return s
}

// Resolve implements DirectoryLookup.
func (d *StaticDirectory) Resolve(ctx context.Context, expression string, vars map[string]any) ([]string, error) {
	switch {
	case strings.HasPrefix(expression, "role:"):
		return d.Roles[strings.TrimPrefix(expression, "role:")], nil
	case expression == "requester.manager":
		if m := stringAt(vars, "requester", "manager"); m != "" {
			return []string{m}, nil
		}
		if m, ok := d.Managers[stringAt(vars, "requester", "id")]; ok {
			return []string{m}, nil
		}
		return nil, nil
	case expression == "costCenterOwner":
		cc := stringAt(vars, "cost_center")
		if cc == "" {
			cc = stringAt(vars, "costCenter")
		}
		if owner, ok := d.CostCenterOwners[cc]; ok {
			return []string{owner}, nil
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported directory expression %q", expression)
}
