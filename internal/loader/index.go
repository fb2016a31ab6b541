package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// IndexFileName is the conventional name of a sharded checkpoint's index.
const IndexFileName = "model.safetensors.index.json"

// shardIndex is the JSON index of a sharded safetensors checkpoint.
type shardIndex struct {
	Metadata  map[string]any    `json:"metadata,omitempty"`
	WeightMap map[string]string `json:"weight_map"`
}

// readShardIndex parses an index file.
func readShardIndex(path string) (*shardIndex, error) {
	b, err := os.ReadFile(path) //nolint:gosec // G304: path is the user-supplied model directory
	if err != nil {
		return nil, err
	}
	var idx shardIndex
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("invalid shard index: %w", err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("invalid shard index: empty weight_map")
	}
	return &idx, nil
}

// shards returns the distinct shard file names referenced by the index, sorted.
func (idx *shardIndex) shards() []string {
	seen := make(map[string]struct{})
	for _, file := range idx.WeightMap {
		seen[file] = struct{}{}
	}
	files := make([]string, 0, len(seen))
	for file := range seen {
		files = append(files, file)
	}
	sort.Strings(files)
	return files
}
