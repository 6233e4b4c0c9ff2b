package config

import (
	"path"
	"strings"
)

// ActivePath returns the store key of a domain's active table.
func (l LayoutConfig) ActivePath(domain string) string {
	return strings.Replace(l.Active, DomainPlaceholder, domain, 1)
}

// CompletedPath returns the store key of a domain's completed table.
func (l LayoutConfig) CompletedPath(domain string) string {
	return strings.Replace(l.Completed, DomainPlaceholder, domain, 1)
}

// DomainsRoot returns the longest directory shared by both table templates,
// the directory a watcher or a domain scan starts from.
func (l LayoutConfig) DomainsRoot() string {
	a := templateDir(l.Active)
	c := templateDir(l.Completed)
	for a != c {
		if len(a) > len(c) {
			a = parent(a)
		} else {
			c = parent(c)
		}
	}
	return a
}

// Domain reports which domain a store key belongs to, if it matches either
// table template.
func (l LayoutConfig) Domain(key string) (string, bool) {
	for _, tmpl := range []string{l.Active, l.Completed} {
		if d, ok := matchTemplate(tmpl, key); ok {
			return d, true
		}
	}
	return "", false
}

// IsActive reports whether key is an active table.
func (l LayoutConfig) IsActive(key string) bool {
	_, ok := matchTemplate(l.Active, key)
	return ok
}

func matchTemplate(tmpl, key string) (string, bool) {
	i := strings.Index(tmpl, DomainPlaceholder)
	if i < 0 {
		return "", false
	}
	prefix, suffix := tmpl[:i], tmpl[i+len(DomainPlaceholder):]
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) || len(key) <= len(prefix)+len(suffix) {
		return "", false
	}
	d := key[len(prefix) : len(key)-len(suffix)]
	if strings.Contains(d, "/") {
		return "", false
	}
	return d, true
}

func templateDir(tmpl string) string {
	if i := strings.Index(tmpl, DomainPlaceholder); i >= 0 {
		tmpl = tmpl[:i]
	}
	if strings.HasSuffix(tmpl, "/") || tmpl == "" {
		return strings.TrimSuffix(tmpl, "/")
	}
	return parent(tmpl)
}

func parent(p string) string {
	d := path.Dir(p)
	if d == "." || d == "/" {
		return ""
	}
	return d
}
