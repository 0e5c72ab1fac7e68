package forest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
)

// parseKeyValues parses the "Key: value" output of the archive tooling.
// A key with an empty value starts a multiline block; continuation lines
// are appended to the previous key, joined by newlines.
func parseKeyValues(outputs ...string) map[string]string {
	data := make(map[string]string)
	var currentKey string

	for _, output := range outputs {
		for _, line := range strings.Split(output, "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}

			if idx := strings.Index(line, ":"); idx >= 0 {
				key := strings.TrimSpace(line[:idx])
				value := strings.TrimSpace(line[idx+1:])
				data[key] = value
				currentKey = key
				continue
			}

			// Continuation line of a multiline value.
			if currentKey != "" {
				existing := data[currentKey]
				if existing == "" {
					data[currentKey] = strings.TrimSpace(line)
				} else {
					data[currentKey] = existing + "\n" + strings.TrimSpace(line)
				}
			}
		}
	}
	return data
}

// parseArchiveOutput maps the merged key/value output onto ArchiveMetadata.
func parseArchiveOutput(info, metadata string) (outbound.ArchiveMetadata, error) {
	raw := parseKeyValues(info, metadata)

	epochStr, ok := raw["Epoch"]
	if !ok {
		return outbound.ArchiveMetadata{}, fmt.Errorf("archive output missing Epoch")
	}
	epoch, err := strconv.ParseUint(epochStr, 10, 64)
	if err != nil {
		return outbound.ArchiveMetadata{}, fmt.Errorf("unparseable Epoch %q: %w", epochStr, err)
	}

	var stateRoots uint64
	if v, ok := raw["State-roots"]; ok {
		stateRoots, _ = strconv.ParseUint(v, 10, 64)
	}

	return outbound.ArchiveMetadata{
		Epoch:      epoch,
		Network:    raw["Network"],
		Format:     raw["CAR format"],
		StateRoots: stateRoots,
		HeadTipset: raw["Head Tipset"],
		Raw:        raw,
	}, nil
}
