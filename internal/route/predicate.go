package route

import (
	"fmt"
	"strings"

	"github.com/wudi/ignite/internal/router"
)

// errUnknownPredicate marks a predicate name with no resolver.
type errUnknownPredicate string

func (e errUnknownPredicate) Error() string {
	return fmt.Sprintf("unknown predicate %q", string(e))
}

// applyPredicates resolves the definition's predicates onto rt.
func applyPredicates(preds []PredicateDefinition, rt *router.Route) error {
	for _, p := range preds {
		values := p.Values()
		switch strings.ToLower(p.Name) {
		case "path":
			rt.Paths = append(rt.Paths, values...)
		case "method":
			for _, v := range values {
				rt.Match.Methods = append(rt.Match.Methods, strings.ToUpper(v))
			}
		case "host":
			for _, v := range values {
				// "**.example.com" is the same as "*.example.com" here
				if rest, ok := strings.CutPrefix(v, "**."); ok {
					v = "*." + rest
				}
				rt.Match.Hosts = append(rt.Match.Hosts, v)
			}
		case "header":
			vm, err := valueMatch("Header", values)
			if err != nil {
				return err
			}
			rt.Match.Headers = append(rt.Match.Headers, vm)
		case "query":
			vm, err := valueMatch("Query", values)
			if err != nil {
				return err
			}
			rt.Match.Queries = append(rt.Match.Queries, vm)
		default:
			return errUnknownPredicate(p.Name)
		}
	}
	if len(rt.Paths) == 0 {
		return fmt.Errorf("no Path predicate")
	}
	return nil
}

func valueMatch(kind string, values []string) (router.ValueMatch, error) {
	switch len(values) {
	case 1:
		return router.ValueMatch{Name: values[0]}, nil
	case 2:
		return router.ValueMatch{Name: values[0], Regex: values[1]}, nil
	}
	return router.ValueMatch{}, fmt.Errorf("%s predicate takes a name and an optional regex, got %d values", kind, len(values))
}
