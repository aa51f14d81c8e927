// Package ociimage wraps the OCI Image Spec descriptor, index and
// manifest types with the validation the toolkit needs when reading
// layers off a registry or building them from a TarCodec stream
// (spec.md §3, "OCI descriptor" / "OCI index" / "OCI manifest").
package ociimage

import (
	"encoding/json"

	digest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
)

// Descriptor is the OCI content descriptor.
type Descriptor = specs.Descriptor

// Index is the OCI image index (schemaVersion 2).
type Index = specs.Index

// Manifest is the OCI image manifest (schemaVersion 2).
type Manifest = specs.Manifest

const schemaVersion = 2

// NewDescriptor builds a Descriptor from raw content, computing its
// digest and size with the algorithm the toolkit standardizes on
// (sha256, matching the TarCodec layer digests).
func NewDescriptor(mediaType string, content []byte) Descriptor {
	return Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(content),
		Size:      int64(len(content)),
	}
}

// ValidateDescriptor checks the fields spec.md §3 requires of every
// descriptor: a non-empty media type, a well-formed digest, and a
// non-negative size.
func ValidateDescriptor(d Descriptor) error {
	if d.MediaType == "" {
		return cerrors.New(cerrors.ErrParse, "validate_descriptor", "missing mediaType")
	}
	if err := d.Digest.Validate(); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrParse, "validate_descriptor", string(d.Digest))
	}
	if d.Size < 0 {
		return cerrors.New(cerrors.ErrParse, "validate_descriptor", "negative size")
	}
	return nil
}

// NewIndex builds an empty index with the fixed schema version.
func NewIndex() Index {
	return Index{
		Versioned: specs.Versioned{SchemaVersion: schemaVersion},
		MediaType: specs.MediaTypeImageIndex,
	}
}

// EmptyIndex is the canonical `{schemaVersion: 2, manifests: []}`
// fallback value used by the registry client's referrers algorithm
// (spec.md §4.8) when every fallback step fails.
func EmptyIndex() Index {
	idx := NewIndex()
	idx.Manifests = []Descriptor{}
	return idx
}

// ValidateIndex checks schemaVersion and every contained descriptor.
func ValidateIndex(idx Index) error {
	if idx.SchemaVersion != schemaVersion {
		return cerrors.New(cerrors.ErrParse, "validate_index", "unsupported schemaVersion")
	}
	for i, d := range idx.Manifests {
		if err := ValidateDescriptor(d); err != nil {
			return cerrors.WrapWithDetail(err, cerrors.ErrParse, "validate_index", itoa(i))
		}
	}
	return nil
}

// NewManifest builds a manifest with the fixed schema version, a
// config descriptor and a set of layer descriptors.
func NewManifest(config Descriptor, layers []Descriptor) Manifest {
	return Manifest{
		Versioned: specs.Versioned{SchemaVersion: schemaVersion},
		MediaType: specs.MediaTypeImageManifest,
		Config:    config,
		Layers:    layers,
	}
}

// ValidateManifest checks schemaVersion, the config descriptor, and
// every layer descriptor.
func ValidateManifest(m Manifest) error {
	if m.SchemaVersion != schemaVersion {
		return cerrors.New(cerrors.ErrParse, "validate_manifest", "unsupported schemaVersion")
	}
	if err := ValidateDescriptor(m.Config); err != nil {
		return cerrors.Wrap(err, cerrors.ErrParse, "validate_manifest: config")
	}
	for i, l := range m.Layers {
		if err := ValidateDescriptor(l); err != nil {
			return cerrors.WrapWithDetail(err, cerrors.ErrParse, "validate_manifest: layer", itoa(i))
		}
	}
	return nil
}

// DecodeManifest parses a manifest document and validates it.
func DecodeManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, cerrors.Wrap(err, cerrors.ErrParse, "decode_manifest")
	}
	if err := ValidateManifest(m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// DecodeIndex parses an index document and validates it.
func DecodeIndex(data []byte) (Index, error) {
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return Index{}, cerrors.Wrap(err, cerrors.ErrParse, "decode_index")
	}
	if err := ValidateIndex(idx); err != nil {
		return Index{}, err
	}
	return idx, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
