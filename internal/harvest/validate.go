package harvest

import "strings"

// Validate checks the matrix dimensions and exclude-set references.
func (m Matrix) Validate() error {
	if len(m.Cities) == 0 {
		return NewConfigurationError("matrix has no cities")
	}
	if len(m.Requests) == 0 {
		return NewConfigurationError("matrix has no requests")
	}
	if len(m.Categories) == 0 {
		return NewConfigurationError("matrix has no categories")
	}

	sets := make(map[string]struct{}, len(m.ExcludeSets))
	for i, set := range m.ExcludeSets {
		if strings.TrimSpace(set.Name) == "" {
			return NewConfigurationError("exclude set %d has no name", i)
		}
		if _, dup := sets[set.Name]; dup {
			return NewConfigurationError("exclude set %q defined twice", set.Name)
		}
		sets[set.Name] = struct{}{}
	}
	checkRef := func(owner, ref string) error {
		if ref == "" {
			return nil
		}
		if _, ok := sets[ref]; !ok {
			return NewConfigurationError("%s references unknown exclude set %q", owner, ref)
		}
		return nil
	}
	if err := checkRef("default_exclude_set", m.DefaultExcludeSet); err != nil {
		return err
	}

	seen := make(map[string]struct{})
	for i, c := range m.Cities {
		if err := uniqueName(seen, "city", i, c.Name); err != nil {
			return err
		}
	}
	clear(seen)
	for i, r := range m.Requests {
		if err := uniqueName(seen, "request", i, r.Query); err != nil {
			return err
		}
		if err := checkRef("request "+r.Query, r.ExcludeSet); err != nil {
			return err
		}
	}
	clear(seen)
	for i, c := range m.Categories {
		if err := uniqueName(seen, "category", i, c.Name); err != nil {
			return err
		}
		if err := checkRef("category "+c.Name, c.ExcludeSet); err != nil {
			return err
		}
	}
	return nil
}

func uniqueName(seen map[string]struct{}, kind string, idx int, name string) error {
	if strings.TrimSpace(name) == "" {
		return NewConfigurationError("%s %d is blank", kind, idx)
	}
	if _, dup := seen[name]; dup {
		return NewConfigurationError("%s %q listed twice", kind, name)
	}
	seen[name] = struct{}{}
	return nil
}

// ExcludeSetFor resolves the exclude-set reference of a (request, category) pair:
// the category's set wins, then the request's, then the matrix default.
func (m Matrix) ExcludeSetFor(req Request, cat Category) string {
	switch {
	case cat.ExcludeSet != "":
		return cat.ExcludeSet
	case req.ExcludeSet != "":
		return req.ExcludeSet
	default:
		return m.DefaultExcludeSet
	}
}
