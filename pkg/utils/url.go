package utils

import (
	"net/url"

	"github.com/pkg/errors"
)

// ResolveURL resolves ref against base. Absolute refs are returned as they
// are; a relative ref needs an absolute base.
func ResolveURL(base, ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", errors.Wrapf(err, "parse %q", ref)
	}
	if r.IsAbs() {
		return ref, nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrapf(err, "parse base %q", base)
	}
	if !b.IsAbs() {
		return "", errors.Errorf("can not resolve %q without a base url", ref)
	}
	return b.ResolveReference(r).String(), nil
}
