package og

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"marketmaker/internal/schema"
)

const closePrefix = "x-"

// NewCorrelationID returns a client order id that encodes the quote slot, e.g. "b0-<hex>".
func NewCorrelationID(side schema.Side, layer int) string {
	tag := 'b'
	if side == schema.SideSell {
		tag = 's'
	}
	return fmt.Sprintf("%c%d-%s", tag, layer, compactUUID())
}

// NewCloseID returns a client order id for a position close.
func NewCloseID() string {
	return closePrefix + compactUUID()
}

// ParseCorrelationID recovers the quote slot from a client order id.
func ParseCorrelationID(id string) (schema.Side, int, bool) {
	head, _, ok := strings.Cut(id, "-")
	if !ok || len(head) < 2 {
		return schema.SideUnknown, 0, false
	}
	var side schema.Side
	switch head[0] {
	case 'b':
		side = schema.SideBuy
	case 's':
		side = schema.SideSell
	default:
		return schema.SideUnknown, 0, false
	}
	layer, err := strconv.Atoi(head[1:])
	if err != nil || layer < 0 {
		return schema.SideUnknown, 0, false
	}
	return side, layer, true
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
