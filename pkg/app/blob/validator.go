package blob

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cryfs/cryfs-sub000/internal/types"
	"github.com/cryfs/cryfs-sub000/pkg/app"
)

// ParseBlobID parses a blob id given on the command line
func ParseBlobID(text string) (types.BlockID, error) {
	if strings.TrimSpace(text) == "" {
		return types.NullBlockID, app.NewError(app.ErrCodeInvalidInput, "blob id is required", nil)
	}
	id, err := types.ParseBlockID(strings.TrimSpace(text))
	if err != nil {
		return types.NullBlockID, app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("invalid blob id %q", text), err)
	}
	return id, nil
}

var sizeMultipliers = map[string]uint64{
	"":   1,
	"B":  1,
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"TB": 1 << 40,
}

// ParseSize converts size strings like "4096", "10KB" or "1.5 MB" to bytes
func ParseSize(size string) (uint64, error) {
	size = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(size), " ", ""))
	if size == "" {
		return 0, app.NewError(app.ErrCodeInvalidInput, "empty size", nil)
	}

	// Extract numeric part and unit
	numEnd := strings.IndexFunc(size, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	if numEnd < 0 {
		numEnd = len(size)
	}
	numPart, unit := size[:numEnd], size[numEnd:]
	if numPart == "" {
		return 0, app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("no numeric value in size %q", size), nil)
	}

	multiplier, ok := sizeMultipliers[unit]
	if !ok {
		return 0, app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("invalid size unit %q (valid: B, KB, MB, GB, TB)", unit), nil)
	}

	if !strings.Contains(numPart, ".") {
		value, err := strconv.ParseUint(numPart, 10, 64)
		if err != nil {
			return 0, app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("invalid numeric value %q", numPart), err)
		}
		if value > math.MaxUint64/multiplier {
			return 0, app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("size %q is too large", size), nil)
		}
		return value * multiplier, nil
	}

	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("invalid numeric value %q", numPart), err)
	}
	bytes := value * float64(multiplier)
	if bytes >= math.MaxUint64 {
		return 0, app.NewError(app.ErrCodeInvalidInput, fmt.Sprintf("size %q is too large", size), nil)
	}
	return uint64(bytes), nil
}
