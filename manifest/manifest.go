// Package manifest validates pushed manifests and extracts the references
// the registry has to check or record.
package manifest

import (
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

var ErrInvalid = errors.New("manifest invalid")

// Manifest is the union of an image manifest and an image index. Only the
// fields the registry inspects are decoded; the stored payload is always
// the original bytes.
type Manifest struct {
	SchemaVersion int                  `json:"schemaVersion"`
	MediaType     string               `json:"mediaType,omitempty"`
	ArtifactType  string               `json:"artifactType,omitempty"`
	Config        *ocispec.Descriptor  `json:"config,omitempty"`
	Layers        []ocispec.Descriptor `json:"layers,omitempty"`
	Manifests     []ocispec.Descriptor `json:"manifests,omitempty"`
	Subject       *ocispec.Descriptor  `json:"subject,omitempty"`
	Annotations   map[string]string    `json:"annotations,omitempty"`
}

func IsIndex(mediaType string) bool {
	return mediaType == ocispec.MediaTypeImageIndex || mediaType == MediaTypeDockerManifestList
}

func isImage(mediaType string) bool {
	return mediaType == ocispec.MediaTypeImageManifest || mediaType == MediaTypeDockerManifest
}

// Parse decodes and validates payload. contentType is the media type the
// client declared, and may be empty.
func Parse(payload []byte, contentType string) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if m.SchemaVersion != 2 {
		return nil, fmt.Errorf("%w: unsupported schema version %d", ErrInvalid, m.SchemaVersion)
	}

	if m.MediaType == "" {
		m.MediaType = inferMediaType(&m, contentType)
	}
	if contentType != "" && (isImage(contentType) || IsIndex(contentType)) && contentType != m.MediaType {
		return nil, fmt.Errorf("%w: content type %s does not match media type %s", ErrInvalid, contentType, m.MediaType)
	}

	switch {
	case isImage(m.MediaType):
		if m.Config == nil {
			return nil, fmt.Errorf("%w: image manifest without config", ErrInvalid)
		}
		if len(m.Manifests) > 0 {
			return nil, fmt.Errorf("%w: image manifest with manifests", ErrInvalid)
		}
	case IsIndex(m.MediaType):
		if m.Config != nil || len(m.Layers) > 0 {
			return nil, fmt.Errorf("%w: index with config or layers", ErrInvalid)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported media type %q", ErrInvalid, m.MediaType)
	}

	for _, desc := range m.descriptors() {
		if err := desc.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("%w: descriptor digest %q: %w", ErrInvalid, desc.Digest, err)
		}
		if desc.Size < 0 {
			return nil, fmt.Errorf("%w: descriptor %s has negative size", ErrInvalid, desc.Digest)
		}
	}

	return &m, nil
}

func inferMediaType(m *Manifest, contentType string) string {
	if isImage(contentType) || IsIndex(contentType) {
		return contentType
	}
	if m.Manifests != nil {
		return ocispec.MediaTypeImageIndex
	}
	return ocispec.MediaTypeImageManifest
}

func (m *Manifest) descriptors() []ocispec.Descriptor {
	var descs []ocispec.Descriptor
	if m.Config != nil {
		descs = append(descs, *m.Config)
	}
	descs = append(descs, m.Layers...)
	descs = append(descs, m.Manifests...)
	if m.Subject != nil {
		descs = append(descs, *m.Subject)
	}
	return descs
}

// Blobs returns the config and layer digests of an image manifest.
func (m *Manifest) Blobs() []digest.Digest {
	var ds []digest.Digest
	if m.Config != nil {
		ds = append(ds, m.Config.Digest)
	}
	for _, l := range m.Layers {
		ds = append(ds, l.Digest)
	}
	return ds
}

// Children returns the manifest digests listed by an index.
func (m *Manifest) Children() []digest.Digest {
	ds := make([]digest.Digest, 0, len(m.Manifests))
	for _, c := range m.Manifests {
		ds = append(ds, c.Digest)
	}
	return ds
}

// Descriptor describes the manifest itself as an entry of a referrers list.
func (m *Manifest) Descriptor(d digest.Digest, size int64) ocispec.Descriptor {
	artifactType := m.ArtifactType
	if artifactType == "" && m.Config != nil {
		artifactType = m.Config.MediaType
	}
	return ocispec.Descriptor{
		MediaType:    m.MediaType,
		Digest:       d,
		Size:         size,
		ArtifactType: artifactType,
		Annotations:  m.Annotations,
	}
}

// MediaTypeOf reads the mediaType field of a stored payload, falling back to
// the OCI image manifest type.
func MediaTypeOf(payload []byte) string {
	var probe struct {
		MediaType string `json:"mediaType"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.MediaType == "" {
		return ocispec.MediaTypeImageManifest
	}
	return probe.MediaType
}

// ReferrersIndex wraps descs in the image index served by the referrers API.
func ReferrersIndex(descs []ocispec.Descriptor) ocispec.Index {
	if descs == nil {
		descs = []ocispec.Descriptor{}
	}
	return ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: descs,
	}
}
