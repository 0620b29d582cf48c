package expression

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"procgenie/backend/internal/services"
)

// ResolverKind is the closed set of approver resolution strategies.
type ResolverKind string

const (
	ResolverUser             ResolverKind = "user"
	ResolverRole             ResolverKind = "role"
	ResolverContext          ResolverKind = "context"
	ResolverCostCenterOwner  ResolverKind = "costCenterOwner"
	ResolverRequesterManager ResolverKind = "requester.manager"
)

// Resolver is one term of an approver expression such as "role:finance".
type Resolver struct {
	Kind ResolverKind
	Arg  string
}

// String renders the term as it appears in a definition.
func (r Resolver) String() string {
	if r.Arg == "" {
		return string(r.Kind)
	}
	return string(r.Kind) + ":" + r.Arg
}

var errNoDirectory = errors.New("no directory configured")

// ParseResolvers parses a comma-separated list of resolver terms:
// "costCenterOwner", "requester.manager", "role:<name>", "user:<id>" and
// "context:<dotted.path>".
func ParseResolvers(expr string) ([]Resolver, error) {
	var out []Resolver
	for _, raw := range strings.Split(expr, ",") {
		term := strings.TrimSpace(raw)
		if term == "" {
			continue
		}
		kind, arg, hasArg := strings.Cut(term, ":")
		r := Resolver{Kind: ResolverKind(kind), Arg: strings.TrimSpace(arg)}
		switch r.Kind {
		case ResolverCostCenterOwner, ResolverRequesterManager:
			if hasArg {
				return nil, fmt.Errorf("resolver %s takes no argument", kind)
			}
		case ResolverUser, ResolverRole, ResolverContext:
			if r.Arg == "" {
				return nil, fmt.Errorf("resolver %s needs an argument", kind)
			}
		default:
			return nil, fmt.Errorf("unknown resolver %q", term)
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, errors.New("empty approver expression")
	}
	return out, nil
}

func (r Resolver) resolve(ctx context.Context, directory services.DirectoryLookup, vars map[string]any) ([]string, error) {
	switch r.Kind {
	case ResolverUser:
		return []string{r.Arg}, nil
	case ResolverContext:
		v, ok := Lookup(vars, r.Arg)
		if !ok {
			return nil, nil
		}
		return usersFromValue(v)
	}
	if directory == nil {
		return nil, fmt.Errorf("resolver %s: %w", r, errNoDirectory)
	}
	users, err := directory.Resolve(ctx, r.String(), vars)
	if err != nil {
		return nil, fmt.Errorf("resolver %s: %w", r, err)
	}
	return users, nil
}

func usersFromValue(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{t}, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("user list contains %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot read users from %T", v)
}
