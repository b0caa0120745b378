// Package registry derives the set of known models from an artifact
// store listing.
package registry

import (
	"strings"

	"github.com/redborder-io/outlierscoord/internal/artifactstore"
)

// ModelsFromListing returns the sorted, deduplicated set of model names
// present under the latest-artifacts prefix: every object whose name ends
// in the config extension, with the extension stripped. A model with a
// config but no weights yet (freshly provisioned, awaiting its first
// training run) is still discoverable — downloadOrFallback handles the
// missing weights at claim time.
func ModelsFromListing(objects []artifactstore.Object) []string {
	var models []string
	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Key, artifactstore.LatestPrefix)
		if strings.HasSuffix(name, ".config") {
			models = append(models, strings.TrimSuffix(name, ".config"))
		}
	}
	return sortedUnique(models)
}

func sortedUnique(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
