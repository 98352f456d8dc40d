package risk

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MemorySampler reports host memory in use as a percentage.
type MemorySampler interface {
	MemoryPercent() (float64, error)
}

// ProcMeminfo samples memory from a Linux meminfo file.
type ProcMeminfo struct {
	Path string
}

// NewProcMeminfo returns a sampler reading /proc/meminfo.
func NewProcMeminfo() *ProcMeminfo {
	return &ProcMeminfo{Path: "/proc/meminfo"}
}

// MemoryPercent returns (MemTotal - MemAvailable) / MemTotal.
func (p *ProcMeminfo) MemoryPercent() (float64, error) {
	f, err := os.Open(p.Path) // #nosec G304 -- fixed system path
	if err != nil {
		return 0, fmt.Errorf("open meminfo: %w", err)
	}
	defer func() { _ = f.Close() }()

	var total, available int64 = -1, -1
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}
	if total <= 0 || available < 0 {
		return 0, errors.New("meminfo lacks MemTotal or MemAvailable")
	}
	return float64(total-available) / float64(total) * 100, nil
}

// StaticMemory is a sampler returning a fixed value.
type StaticMemory float64

// MemoryPercent implements MemorySampler.
func (s StaticMemory) MemoryPercent() (float64, error) {
	return float64(s), nil
}

// SampleMemory returns the sampler's reading, or zero when it fails.
func SampleMemory(s MemorySampler) float64 {
	if s == nil {
		return 0
	}
	pct, err := s.MemoryPercent()
	if err != nil {
		return 0
	}
	return pct
}
