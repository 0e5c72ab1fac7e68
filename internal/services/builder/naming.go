package builder

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// EpochDuration is the chain's block time; epoch N begins at
// genesis + N*EpochDuration.
const EpochDuration = 30 * time.Second

// snapshotHeightRe extracts the height from a snapshot filename. Diff
// filenames carry a "+step" suffix after the height, so no trailing dot.
var snapshotHeightRe = regexp.MustCompile(`_height_(\d+)`)

// EpochTimestamp returns the wall-clock time of an epoch given the genesis
// unix timestamp.
func EpochTimestamp(genesisUnix int64, epoch uint64) time.Time {
	return time.Unix(genesisUnix, 0).UTC().Add(time.Duration(epoch) * EpochDuration)
}

// SnapshotFilename builds the canonical snapshot filename. The date is the
// calendar day of the snapshot's head epoch, so directory listings sort
// chronologically: forest_snapshot_calibnet_2026-08-28_height_2630000.forest.car.zst
func SnapshotFilename(chain string, genesisUnix int64, epoch uint64) string {
	date := EpochTimestamp(genesisUnix, epoch).Format("2006-01-02")
	return fmt.Sprintf("forest_snapshot_%s_%s_height_%d.forest.car.zst", chain, date, epoch)
}

// DiffFilename builds the diff snapshot filename. The "+step" suffix records
// how many epochs the diff spans past its base:
// forest_diff_calibnet_2026-08-28_height_2627000+3000.forest.car.zst
func DiffFilename(chain string, genesisUnix int64, epoch, step uint64) string {
	date := EpochTimestamp(genesisUnix, epoch).Format("2006-01-02")
	return fmt.Sprintf("forest_diff_%s_%s_height_%d+%d.forest.car.zst", chain, date, epoch, step)
}

// HeightFromFilename parses the head epoch out of a snapshot filename.
func HeightFromFilename(name string) (uint64, error) {
	m := snapshotHeightRe.FindStringSubmatch(name)
	if m == nil {
		return 0, fmt.Errorf("no height in snapshot filename %q", name)
	}
	height, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad height in snapshot filename %q: %w", name, err)
	}
	return height, nil
}
