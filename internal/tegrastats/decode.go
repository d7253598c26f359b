package tegrastats

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Field group names reported in FieldError.
const (
	GroupCPU         = "cpu"
	GroupRAM         = "ram"
	GroupSwap        = "swap"
	GroupTemperature = "temperature"
	GroupPower       = "power"
	GroupGPU         = "gpu"
)

var (
	// ErrDecodeSkip is wrapped by every error Decode returns.
	ErrDecodeSkip = errors.New("tegrastats: decode skipped")
	// ErrNoMemoryMarker means the line failed the sanity gate.
	ErrNoMemoryMarker = fmt.Errorf("%w: no RAM marker", ErrDecodeSkip)
)

var (
	ramPattern   = regexp.MustCompile(`RAM (\d+)/(\d+)MB`)
	swapPattern  = regexp.MustCompile(`SWAP (\d+)/(\d+)MB \(cached (\d+)MB\)`)
	cpuPattern   = regexp.MustCompile(`CPU \[(.*?)\]`)
	corePattern  = regexp.MustCompile(`(\d+)%@(\d+)`)
	gpuPattern   = regexp.MustCompile(`GR3D_FREQ (\d+)%`)
	tempPattern  = regexp.MustCompile(`(\w+)@([\d.]+)C`)
	powerPattern = regexp.MustCompile(`(\w+) (\d+)(?:mW)?/(\d+)(?:mW)?\b`)
)

// FieldError reports a field group that matched but could not be converted.
// Only that group is dropped from the snapshot.
type FieldError struct {
	Group string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("tegrastats: decode %s %q: %v", e.Group, e.Value, e.Err)
}

func (e *FieldError) Unwrap() []error {
	return []error{ErrDecodeSkip, e.Err}
}

// Decode parses a single tegrastats line. ok is false when the line carries no
// RAM marker; in that case the snapshot is empty. Field groups are decoded
// independently: err joins a FieldError for every group that was dropped and
// may be non-nil while ok is true.
//
// Duplicate temperature sensors or power rails within one line resolve to the
// last occurrence.
func Decode(line string, capturedAt time.Time) (snap Snapshot, ok bool, err error) {
	line = strings.TrimSpace(line)

	ramMatch := ramPattern.FindStringSubmatch(line)
	if ramMatch == nil {
		return Snapshot{}, false, ErrNoMemoryMarker
	}

	at := capturedAt.UTC()
	snap = Snapshot{
		Timestamp:   at,
		CapturedAt:  at,
		CPU:         CPU{Cores: []Core{}},
		Memory:      Memory{RAM: RAM{Unit: unitMB}},
		Temperature: make(map[string]float64),
		Power:       make(map[string]PowerRail),
	}

	var errs []error

	if ram, err := decodeRAM(ramMatch); err != nil {
		errs = append(errs, err)
	} else {
		snap.Memory.RAM = ram
	}

	if m := swapPattern.FindStringSubmatch(line); m != nil {
		if swap, err := decodeSwap(m); err != nil {
			errs = append(errs, err)
		} else {
			snap.Memory.Swap = &swap
		}
	}

	if m := cpuPattern.FindStringSubmatch(line); m != nil {
		if cores, err := decodeCores(m[1]); err != nil {
			errs = append(errs, err)
		} else {
			snap.CPU.Cores = cores
		}
	}

	if m := gpuPattern.FindStringSubmatch(line); m != nil {
		freq, err := strconv.Atoi(m[1])
		if err != nil {
			errs = append(errs, &FieldError{Group: GroupGPU, Value: m[0], Err: err})
		} else {
			snap.GPU.GR3DFreq = &freq
		}
	}

	if temps, err := decodeTemperatures(line); err != nil {
		errs = append(errs, err)
	} else {
		snap.Temperature = temps
	}

	if rails, err := decodePower(line); err != nil {
		errs = append(errs, err)
	} else {
		snap.Power = rails
	}

	return snap, true, errors.Join(errs...)
}

func decodeRAM(m []string) (RAM, error) {
	used, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return RAM{}, &FieldError{Group: GroupRAM, Value: m[0], Err: err}
	}
	total, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return RAM{}, &FieldError{Group: GroupRAM, Value: m[0], Err: err}
	}
	return RAM{Used: used, Total: total, Unit: unitMB}, nil
}

func decodeSwap(m []string) (Swap, error) {
	var values [3]uint64
	for i := range values {
		v, err := strconv.ParseUint(m[i+1], 10, 64)
		if err != nil {
			return Swap{}, &FieldError{Group: GroupSwap, Value: m[0], Err: err}
		}
		values[i] = v
	}
	return Swap{Used: values[0], Total: values[1], Cached: values[2], Unit: unitMB}, nil
}

func decodeCores(segment string) ([]Core, error) {
	matches := corePattern.FindAllStringSubmatch(segment, -1)
	cores := make([]Core, 0, len(matches))
	for i, m := range matches {
		usage, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, &FieldError{Group: GroupCPU, Value: m[0], Err: err}
		}
		freq, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, &FieldError{Group: GroupCPU, Value: m[0], Err: err}
		}
		cores = append(cores, Core{ID: i, Usage: usage, Freq: freq})
	}
	return cores, nil
}

func decodeTemperatures(line string) (map[string]float64, error) {
	temps := make(map[string]float64)
	for _, m := range tempPattern.FindAllStringSubmatch(line, -1) {
		value, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return make(map[string]float64), &FieldError{Group: GroupTemperature, Value: m[0], Err: err}
		}
		temps[strings.ToLower(m[1])] = value
	}
	return temps, nil
}

func decodePower(line string) (map[string]PowerRail, error) {
	rails := make(map[string]PowerRail)
	for _, m := range powerPattern.FindAllStringSubmatch(line, -1) {
		current, err := strconv.Atoi(m[2])
		if err != nil {
			return make(map[string]PowerRail), &FieldError{Group: GroupPower, Value: m[0], Err: err}
		}
		average, err := strconv.Atoi(m[3])
		if err != nil {
			return make(map[string]PowerRail), &FieldError{Group: GroupPower, Value: m[0], Err: err}
		}
		rails[strings.ToLower(m[1])] = PowerRail{Current: current, Average: average, Unit: unitMW}
	}
	return rails, nil
}
