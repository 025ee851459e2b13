// Package appkey defines the canonical identities used to partition reviews,
// schedules and theme jobs.
package appkey

import (
	"fmt"
	"sort"
	"strings"
)

// Platform identifies which store a listing belongs to.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Separator joins the members of a group key.
const Separator = ","

// ParsePlatform normalizes a platform name.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformIOS:
		return PlatformIOS, nil
	case PlatformAndroid:
		return PlatformAndroid, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// AppIdentity is one store listing.
type AppIdentity struct {
	Platform Platform `json:"platform"`
	BundleID string   `json:"bundleId"`
}

// New validates and builds an AppIdentity.
func New(platform, bundleID string) (AppIdentity, error) {
	p, err := ParsePlatform(platform)
	if err != nil {
		return AppIdentity{}, err
	}
	bundleID = strings.TrimSpace(bundleID)
	if bundleID == "" {
		return AppIdentity{}, fmt.Errorf("bundle id is required")
	}
	return AppIdentity{Platform: p, BundleID: bundleID}, nil
}

// Key returns "platform#bundleId".
func (a AppIdentity) Key() string {
	return string(a.Platform) + "#" + a.BundleID
}

func (a AppIdentity) String() string { return a.Key() }

// Parse reverses Key.
func Parse(key string) (AppIdentity, error) {
	platform, bundleID, ok := strings.Cut(strings.TrimSpace(key), "#")
	if !ok {
		return AppIdentity{}, fmt.Errorf("invalid app key %q", key)
	}
	return New(platform, bundleID)
}

// GroupKey collapses a set of app keys (or comma-joined lists of them) into a
// stable string. Members are canonicalized through Parse, then deduplicated,
// sorted and joined with Separator. Unparsable parts are kept trimmed so
// Members can report them.
func GroupKey(keys ...string) string {
	seen := make(map[string]struct{})
	var out []string
	for _, k := range keys {
		for _, part := range strings.Split(k, Separator) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if app, err := Parse(part); err == nil {
				part = app.Key()
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	sort.Strings(out)
	return strings.Join(out, Separator)
}

// GroupKeyOf is GroupKey over identities.
func GroupKeyOf(apps ...AppIdentity) string {
	keys := make([]string, len(apps))
	for i, a := range apps {
		keys[i] = a.Key()
	}
	return GroupKey(keys...)
}

// Members parses every app key in a group, in canonical order.
func Members(group string) ([]AppIdentity, error) {
	canonical := GroupKey(group)
	if canonical == "" {
		return nil, fmt.Errorf("empty group key")
	}
	parts := strings.Split(canonical, Separator)
	apps := make([]AppIdentity, 0, len(parts))
	for _, p := range parts {
		app, err := Parse(p)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, nil
}
