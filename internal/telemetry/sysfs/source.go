// Package sysfs implements telemetry.Source by reading the Linux DRM class
// tree, as exposed by amdgpu and other drivers that publish hwmon sensors.
package sysfs

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kubeadapt/gpumon/internal/telemetry"
)

// DefaultRoot is the sysfs mount point. Cards are looked up under
// class/drm below it.
const DefaultRoot = "/sys"

var cardPattern = regexp.MustCompile(`^card(\d+)$`)

var vendorNames = map[string]string{
	"0x1002": "AMD",
	"0x10de": "NVIDIA",
	"0x8086": "Intel",
}

// Source reads telemetry from a sysfs tree. amdgpu attributes (busy
// percent, VRAM, unique id) come from procfs. hwmon sensors, mem_busy_percent
// and pp_dpm_sclk are read directly since procfs does not parse them.
type Source struct {
	root string

	mu    sync.Mutex
	cards []string // card directory per source index
}

// New returns a Source for the sysfs tree mounted at root. An empty root
// means DefaultRoot.
func New(root string) *Source {
	if root == "" {
		root = DefaultRoot
	}
	return &Source{root: root}
}

func (s *Source) drmDir() string {
	return filepath.Join(s.root, "class", "drm")
}

// amdgpuCard holds the DRM attributes taken from procfs for one amdgpu card.
type amdgpuCard struct {
	busyPercent uint64
	vramTotal   uint64
	vramUsed    uint64
	uniqueID    string
}

// Enumerate implements telemetry.Source. Only cardN entries are considered;
// connector entries (card0-DP-1) are skipped.
func (s *Source) Enumerate(_ context.Context) ([]telemetry.DeviceInfo, error) {
	dir := s.drmDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("sysfs: reading %s: %w", dir, err)
	}

	type card struct {
		dir string
		num int
	}
	var cards []card
	for _, e := range entries {
		m := cardPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		cards = append(cards, card{dir: filepath.Join(dir, e.Name()), num: n})
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].num < cards[j].num })

	stats := s.amdgpuStats()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cards = s.cards[:0]
	infos := make([]telemetry.DeviceInfo, 0, len(cards))
	for i, c := range cards {
		s.cards = append(s.cards, c.dir)
		info := describe(i, c.dir)
		if st, ok := stats[filepath.Base(c.dir)]; ok {
			info.UUID = st.uniqueID
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func describe(index int, dir string) telemetry.DeviceInfo {
	info := telemetry.DeviceInfo{Index: index}
	dev := filepath.Join(dir, "device")

	vendorID, err := readString(filepath.Join(dev, "vendor"))
	if err != nil {
		info.Err = fmt.Errorf("sysfs: vendor of %s: %w", dir, err)
		return info
	}
	vendor, ok := vendorNames[vendorID]
	if !ok {
		vendor = vendorID
	}

	if product, err := readString(filepath.Join(dev, "product_name")); err == nil && product != "" {
		info.Name = product
	} else if deviceID, err := readString(filepath.Join(dev, "device")); err == nil {
		info.Name = vendor + " GPU " + deviceID
	} else {
		info.Name = vendor + " GPU"
	}

	if target, err := filepath.EvalSymlinks(dev); err == nil {
		info.LocationTag = filepath.Base(target)
	}
	return info
}

// Read implements telemetry.Source.
func (s *Source) Read(_ context.Context, index int) (telemetry.Reading, error) {
	s.mu.Lock()
	if index < 0 || index >= len(s.cards) {
		s.mu.Unlock()
		return telemetry.Invalid(), fmt.Errorf("sysfs: no device at index %d", index)
	}
	card := s.cards[index]
	s.mu.Unlock()
	dev := filepath.Join(card, "device")

	var r telemetry.Reading
	if st, ok := s.amdgpuStats()[filepath.Base(card)]; ok {
		r.UtilizationPct = telemetry.V(st.busyPercent)
		r.MemTotalBytes = telemetry.V(st.vramTotal)
		r.MemUsedBytes = telemetry.V(st.vramUsed)
	}
	r.MemUtilizationPct = readValue(filepath.Join(dev, "mem_busy_percent"), 1)

	for _, hw := range hwmonDirs(dev) {
		if !r.TemperatureC.Valid {
			r.TemperatureC = readValue(filepath.Join(hw, "temp1_input"), 1000)
		}
		if !r.PowerMilliwatts.Valid {
			r.PowerMilliwatts = readValue(filepath.Join(hw, "power1_average"), 1000)
		}
		if !r.PowerMilliwatts.Valid {
			r.PowerMilliwatts = readValue(filepath.Join(hw, "power1_input"), 1000)
		}
		if !r.SMClockMHz.Valid {
			r.SMClockMHz = readValue(filepath.Join(hw, "freq1_input"), 1_000_000)
		}
		if !r.FanSpeedPct.Valid {
			r.FanSpeedPct = readFanPercent(hw)
		}
	}
	if !r.SMClockMHz.Valid {
		r.SMClockMHz = readActiveSclk(filepath.Join(dev, "pp_dpm_sclk"))
	}

	if !r.AnyValid() {
		return telemetry.Invalid(), fmt.Errorf("sysfs: %s exposes no readable sensors", dev)
	}
	return r, nil
}

// Shutdown implements telemetry.Source. There is nothing to release.
func (s *Source) Shutdown() error { return nil }

func hwmonDirs(dev string) []string {
	entries, err := os.ReadDir(filepath.Join(dev, "hwmon"))
	if err != nil {
		return nil
	}
	dirs := make([]string, 0, len(entries))
	for _, e := range entries {
		dirs = append(dirs, filepath.Join(dev, "hwmon", e.Name()))
	}
	return dirs
}

// readFanPercent converts the pwm duty cycle to a percentage of pwm1_max
// (255 when the driver does not publish a maximum).
func readFanPercent(hw string) telemetry.Value {
	pwm := readValue(filepath.Join(hw, "pwm1"), 1)
	if !pwm.Valid {
		return telemetry.Value{}
	}
	max := readValue(filepath.Join(hw, "pwm1_max"), 1).Or(255)
	if max == 0 {
		max = 255
	}
	return telemetry.V(pwm.Val * 100 / max)
}

// readActiveSclk parses lines like "1: 1800Mhz *" and returns the starred level.
func readActiveSclk(path string) telemetry.Value {
	f, err := os.Open(path)
	if err != nil {
		return telemetry.Value{}
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasSuffix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		mhz := strings.TrimSuffix(strings.ToLower(fields[1]), "mhz")
		if v, err := strconv.ParseUint(mhz, 10, 64); err == nil {
			return telemetry.V(v)
		}
	}
	return telemetry.Value{}
}

func readValue(path string, divisor uint64) telemetry.Value {
	s, err := readString(path)
	if err != nil {
		return telemetry.Value{}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return telemetry.Value{}
	}
	return telemetry.V(v / divisor)
}

func readString(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
