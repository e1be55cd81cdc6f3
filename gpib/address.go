package gpib

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a parsed VISA-style GPIB resource string.
type Address struct {
	Board     int
	Primary   int
	Secondary int // -1 when absent
}

func (a Address) String() string {
	if a.Secondary >= 0 {
		return fmt.Sprintf("GPIB%d::%d::%d::INSTR", a.Board, a.Primary, a.Secondary)
	}
	return fmt.Sprintf("GPIB%d::%d::INSTR", a.Board, a.Primary)
}

// ParseAddress accepts GPIB::15, GPIB0::15::INSTR and GPIB0::15::96::INSTR.
func ParseAddress(resource string) (Address, error) {
	addr := Address{Secondary: -1}
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(resource)), "::")
	if len(parts) > 0 && parts[len(parts)-1] == "INSTR" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) < 2 || len(parts) > 3 || !strings.HasPrefix(parts[0], "GPIB") {
		return addr, fmt.Errorf("invalid GPIB resource %q", resource)
	}
	if board := strings.TrimPrefix(parts[0], "GPIB"); board != "" {
		n, err := strconv.Atoi(board)
		if err != nil || n < 0 {
			return addr, fmt.Errorf("invalid GPIB board in %q", resource)
		}
		addr.Board = n
	}
	primary, err := strconv.Atoi(parts[1])
	if err != nil || primary < 0 || primary > 30 {
		return addr, fmt.Errorf("invalid GPIB primary address in %q: must be 0..30", resource)
	}
	addr.Primary = primary
	if len(parts) == 3 {
		secondary, err := strconv.Atoi(parts[2])
		if err != nil || secondary < 96 || secondary > 126 {
			return addr, fmt.Errorf("invalid GPIB secondary address in %q: must be 96..126", resource)
		}
		addr.Secondary = secondary
	}
	return addr, nil
}
