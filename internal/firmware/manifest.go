package firmware

import (
	"archive/zip"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"howett.net/plist"
)

// ManifestName is the build manifest entry inside an image archive.
const ManifestName = "BuildManifest.plist"

// maxManifestSize bounds how much of the manifest entry is read.
const maxManifestSize = 32 << 20

// Manifest holds the declared fields of an image's build manifest.
type Manifest struct {
	// ProductTypes are the hardware models the image targets, deduplicated and sorted.
	ProductTypes     []string `json:"product_types"`
	ProductVersion   string   `json:"product_version,omitempty"`
	BuildVersion     string   `json:"build_version,omitempty"`
	RestoreBehaviors []string `json:"restore_behaviors,omitempty"`
}

// Supports reports whether the manifest declares any of products (case-insensitive).
func (m *Manifest) Supports(products ...string) bool {
	for _, want := range products {
		for _, have := range m.ProductTypes {
			if strings.EqualFold(strings.TrimSpace(want), have) {
				return true
			}
		}
	}
	return false
}

type buildManifest struct {
	ProductType           string   `plist:"ProductType"`
	ProductVersion        string   `plist:"ProductVersion"`
	ProductBuildVersion   string   `plist:"ProductBuildVersion"`
	SupportedProductTypes []string `plist:"SupportedProductTypes"`
	BuildIdentities       []struct {
		Info struct {
			ProductType     string `plist:"ProductType"`
			RestoreBehavior string `plist:"RestoreBehavior"`
		} `plist:"Info"`
	} `plist:"BuildIdentities"`
}

// findManifest returns the top-level manifest entry, or nil.
func findManifest(zr *zip.Reader) *zip.File {
	for _, f := range zr.File {
		if strings.Contains(strings.Trim(f.Name, "/"), "/") {
			continue
		}
		if strings.EqualFold(path.Base(f.Name), ManifestName) {
			return f
		}
	}
	return nil
}

func readManifest(f *zip.File) (*Manifest, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}

	var bm buildManifest
	if _, err := plist.Unmarshal(data, &bm); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.Name, err)
	}

	m := &Manifest{
		ProductVersion: bm.ProductVersion,
		BuildVersion:   bm.ProductBuildVersion,
	}

	products := map[string]struct{}{}
	add := func(p string) {
		if p = strings.TrimSpace(p); p != "" {
			products[p] = struct{}{}
		}
	}
	add(bm.ProductType)
	for _, p := range bm.SupportedProductTypes {
		add(p)
	}
	behaviors := map[string]struct{}{}
	for _, id := range bm.BuildIdentities {
		add(id.Info.ProductType)
		if id.Info.RestoreBehavior != "" {
			behaviors[id.Info.RestoreBehavior] = struct{}{}
		}
	}

	m.ProductTypes = sortedKeys(products)
	m.RestoreBehaviors = sortedKeys(behaviors)
	return m, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
