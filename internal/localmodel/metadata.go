package localmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/bep/imagemeta"
)

// Provenance holds the metadata fields that hint at how an image was made.
type Provenance struct {
	Make              string `json:"make,omitempty"`
	Model             string `json:"model,omitempty"`
	Software          string `json:"software,omitempty"`
	CreatorTool       string `json:"creator_tool,omitempty"`
	Credit            string `json:"credit,omitempty"`
	DigitalSourceType string `json:"digital_source_type,omitempty"`
}

// generatorSignatures are substrings left behind by image generators and editors
// that synthesize content.
var generatorSignatures = []string{
	"stable diffusion",
	"midjourney",
	"dall-e",
	"dall·e",
	"firefly",
	"imagen",
	"comfyui",
	"automatic1111",
	"novelai",
	"leonardo.ai",
	"trainedalgorithmicmedia",
	"compositesynthetic",
	"made with ai",
}

var provenanceTags = map[imagemeta.Source]map[string]bool{
	imagemeta.EXIF: {"Make": true, "Model": true, "Software": true},
	imagemeta.IPTC: {"Credit": true},
	imagemeta.XMP:  {"CreatorTool": true, "Credit": true, "DigitalSourceType": true},
}

// metadataFormat maps sniffed bytes onto the container formats imagemeta can walk.
func metadataFormat(data []byte) (imagemeta.ImageFormat, bool) {
	if len(data) >= 4 && (bytes.HasPrefix(data, []byte("II*\x00")) || bytes.HasPrefix(data, []byte("MM\x00*"))) {
		return imagemeta.TIFF, true
	}
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return imagemeta.JPEG, true
	case "image/png":
		return imagemeta.PNG, true
	case "image/webp":
		return imagemeta.WebP, true
	}
	return imagemeta.ImageFormatAuto, false
}

// ExtractProvenance reads provenance fields out of raw image bytes.
// Formats without metadata support yield an empty Provenance and no error.
func ExtractProvenance(data []byte) (Provenance, error) {
	var p Provenance
	format, ok := metadataFormat(data)
	if !ok {
		return p, nil
	}
	err := imagemeta.Decode(imagemeta.Options{
		R:           bytes.NewReader(data),
		ImageFormat: format,
		Sources:     imagemeta.EXIF | imagemeta.IPTC | imagemeta.XMP,
		ShouldHandleTag: func(ti imagemeta.TagInfo) bool {
			return provenanceTags[ti.Source][ti.Tag]
		},
		HandleTag: func(ti imagemeta.TagInfo) error {
			s := tagString(ti.Value)
			if s == "" {
				return nil
			}
			switch ti.Tag {
			case "Make":
				p.Make = s
			case "Model":
				p.Model = s
			case "Software":
				p.Software = s
			case "CreatorTool":
				p.CreatorTool = s
			case "Credit":
				p.Credit = s
			case "DigitalSourceType":
				p.DigitalSourceType = s
			}
			return nil
		},
	})
	if err != nil {
		return Provenance{}, fmt.Errorf("read %s metadata: %w", format, err)
	}
	return p, nil
}

func tagString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case []string:
		if len(val) > 0 {
			return strings.TrimSpace(val[0])
		}
	case []any:
		if len(val) > 0 {
			if s, ok := val[0].(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

// Assess turns provenance into a vote. Generator fingerprints are strong
// evidence; camera make/model is weak evidence of a real capture.
func Assess(p Provenance) Prediction {
	raw, err := json.Marshal(p)
	if err != nil {
		raw = nil
	}
	for _, field := range []string{p.Software, p.CreatorTool, p.Credit, p.DigitalSourceType} {
		lower := strings.ToLower(field)
		if lower == "" {
			continue
		}
		for _, sig := range generatorSignatures {
			if strings.Contains(lower, sig) {
				return Prediction{Label: "synthetic", Confidence: confidence(0.9), Raw: raw}
			}
		}
	}
	if p.Make != "" || p.Model != "" {
		return Prediction{Label: "authentic", Confidence: confidence(0.55), Raw: raw}
	}
	return Prediction{Label: "unknown", Confidence: confidence(0), Raw: raw}
}

// MetadataMember votes from embedded EXIF/IPTC/XMP provenance.
type MetadataMember struct {
	name string
}

// NewMetadataMember returns a metadata member.
func NewMetadataMember(name string) *MetadataMember {
	return &MetadataMember{name: name}
}

// Name implements Member.
func (m *MetadataMember) Name() string { return m.name }

// Infer implements Member.
func (m *MetadataMember) Infer(_ context.Context, in Input) (Prediction, error) {
	p, err := ExtractProvenance(in.Data)
	if err != nil {
		return Prediction{}, err
	}
	return Assess(p), nil
}
