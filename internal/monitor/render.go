package monitor

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/skobkin/tegrastats-web/internal/tegrastats"
)

const megabyte = 1024 * 1024

// FormatSnapshot renders a snapshot as a single human readable line.
func FormatSnapshot(snap tegrastats.Snapshot) string {
	parts := []string{snap.Timestamp.Local().Format(time.TimeOnly)}

	if len(snap.CPU.Cores) > 0 {
		cores := make([]string, 0, len(snap.CPU.Cores))
		for _, core := range snap.CPU.Cores {
			cores = append(cores, fmt.Sprintf("%d%%@%d", core.Usage, core.Freq))
		}
		parts = append(parts, "CPU "+strings.Join(cores, " "))
	}

	ram := snap.Memory.RAM
	parts = append(parts, fmt.Sprintf("RAM %s/%s (%d%%)",
		formatMB(ram.Used), formatMB(ram.Total), percent(ram.Used, ram.Total)))

	if swap := snap.Memory.Swap; swap != nil {
		parts = append(parts, fmt.Sprintf("SWAP %s/%s", formatMB(swap.Used), formatMB(swap.Total)))
	}

	if gr3d := snap.GPU.GR3DFreq; gr3d != nil {
		parts = append(parts, fmt.Sprintf("GR3D %d%%", *gr3d))
	}

	if len(snap.Temperature) > 0 {
		temps := make([]string, 0, len(snap.Temperature))
		for _, name := range sortedKeys(snap.Temperature) {
			temps = append(temps, name+" "+strconv.FormatFloat(snap.Temperature[name], 'f', 1, 64)+"C")
		}
		parts = append(parts, strings.Join(temps, " "))
	}

	if len(snap.Power) > 0 {
		rails := make([]string, 0, len(snap.Power))
		for _, name := range sortedKeys(snap.Power) {
			rail := snap.Power[name]
			rails = append(rails, fmt.Sprintf("%s %s/%s%s",
				name, humanize.Comma(int64(rail.Current)), humanize.Comma(int64(rail.Average)), rail.Unit))
		}
		parts = append(parts, strings.Join(rails, " "))
	}

	return strings.Join(parts, " | ")
}

// PlainPrinter writes one line per stream event.
type PlainPrinter struct {
	w io.Writer
}

// NewPlainPrinter returns a printer writing to w.
func NewPlainPrinter(w io.Writer) *PlainPrinter {
	return &PlainPrinter{w: w}
}

// Handle renders ev. It matches the Stream callback signature.
func (p *PlainPrinter) Handle(ev Event) error {
	var line string
	switch {
	case ev.Hello != nil:
		line = fmt.Sprintf("connected to %s (broadcast every %s)",
			deviceLabel(ev.Hello), time.Duration(ev.Hello.IntervalMS)*time.Millisecond)
	case ev.Update != nil:
		line = FormatSnapshot(ev.Update.Snapshot)
	case ev.Error != "":
		line = "server error: " + ev.Error
	default:
		return nil
	}
	_, err := fmt.Fprintln(p.w, line)
	return err
}

func formatMB(mb uint64) string {
	return humanize.IBytes(mb * megabyte)
}

func percent(used, total uint64) int {
	if total == 0 {
		return 0
	}
	pct := used * 100 / total
	if pct > 100 {
		pct = 100
	}
	return int(pct)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
