// Package pathmap converts between the public virtual URL space of a backend
// and the keys it stores objects under. Nothing here performs I/O or checks
// that a key is legal for a particular object store.
package pathmap

import "strings"

// Translator maps paths for one fixed virtual path prefix such as "/media".
type Translator struct {
	prefix string
}

// New returns a Translator for prefix. Separators are normalized and a
// trailing slash is dropped, so "/media/" and "\media" both become "/media".
func New(prefix string) Translator {
	return Translator{prefix: strings.TrimRight(normalize(prefix), "/")}
}

// Prefix returns the normalized prefix.
func (t Translator) Prefix() string {
	return t.prefix
}

// ResolvePrefix turns a configured virtual path into an absolute URL prefix
// below basePath: "~/media" and "media" resolve under basePath, "/media" is
// already absolute.
func ResolvePrefix(basePath, virtualPath string) string {
	base := normalize(basePath)
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	vp := normalize(strings.TrimSpace(virtualPath))
	switch {
	case strings.HasPrefix(vp, "~/"):
		vp = base + strings.TrimPrefix(vp, "~/")
	case vp == "~":
		vp = base
	case !strings.HasPrefix(vp, "/"):
		vp = base + vp
	}
	return strings.TrimRight(vp, "/")
}

// ToBackendKey strips the prefix from a full path or URL, e.g.
// "/media/1234/img.jpg" becomes "1234/img.jpg". Paths outside the prefix are
// returned with only their separators normalized.
func (t Translator) ToBackendKey(fullPathOrURL string) string {
	p := normalize(fullPathOrURL)
	if t.hasPrefix(p) {
		p = strings.TrimLeft(p[len(t.prefix):], "/")
	}
	return p
}

// ToVirtualURL returns the public URL of key.
func (t Translator) ToVirtualURL(key string) string {
	return t.prefix + "/" + strings.Trim(normalize(key), "/")
}

// ToFullVirtualPath prefixes p unless it already carries the prefix and trims
// surrounding slashes from the result.
func (t Translator) ToFullVirtualPath(p string) string {
	p = normalize(p)
	if !t.hasPrefix(p) {
		p = t.prefix + "/" + p
	}
	return strings.Trim(p, "/")
}

// Owns reports whether p lies under the prefix.
func (t Translator) Owns(p string) bool {
	return t.hasPrefix(normalize(p))
}

// hasPrefix matches the prefix on a segment boundary so "/media" does not
// claim "/mediafiles/x".
func (t Translator) hasPrefix(p string) bool {
	if !strings.HasPrefix(p, t.prefix) {
		return false
	}
	if len(p) == len(t.prefix) || t.prefix == "" {
		return true
	}
	return p[len(t.prefix)] == '/'
}

// BaseName returns the last segment of p.
func BaseName(p string) string {
	p = normalize(p)
	return p[strings.LastIndex(p, "/")+1:]
}

func normalize(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}
