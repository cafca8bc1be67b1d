package handler

import (
	"strings"
)

type routeKind int

const (
	routeUnknown routeKind = iota
	routeBase
	routeBlob
	routeUploads
	routeUpload
	routeManifest
	routeTags
	routeReferrers
)

type route struct {
	kind routeKind
	name string
	ref  string
}

// parsePath splits a /v2/ path into its repository name and the trailing
// resource. Names may contain slashes, so resources are matched from the end.
func parsePath(p string) route {
	p, ok := strings.CutPrefix(p, "/v2/")
	if !ok {
		if p == "/v2" {
			return route{kind: routeBase}
		}
		return route{}
	}
	if p == "" {
		return route{kind: routeBase}
	}

	if name, ok := strings.CutSuffix(p, "/tags/list"); ok {
		return named(routeTags, name, "")
	}
	if name, ok := strings.CutSuffix(strings.TrimSuffix(p, "/"), "/blobs/uploads"); ok {
		return named(routeUploads, name, "")
	}

	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return route{}
	}
	rest, ref := p[:i], p[i+1:]
	if ref == "" {
		return route{}
	}

	j := strings.LastIndexByte(rest, '/')
	if j < 0 {
		return route{}
	}
	name, resource := rest[:j], rest[j+1:]

	switch resource {
	case "blobs":
		return named(routeBlob, name, ref)
	case "manifests":
		return named(routeManifest, name, ref)
	case "referrers":
		return named(routeReferrers, name, ref)
	case "uploads":
		if name, ok := strings.CutSuffix(name, "/blobs"); ok {
			return named(routeUpload, name, ref)
		}
	}
	return route{}
}

func named(kind routeKind, name string, ref string) route {
	if name == "" {
		return route{}
	}
	return route{kind: kind, name: name, ref: ref}
}
