//go:build linux

package esc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var pwmSysfsBase = "/sys/class/pwm"

// sysfsChannel drives one channel of /sys/class/pwm/pwmchipN.
//
// On a Raspberry Pi the two on-chip channels need dtoverlay=pwm-2chan;
// PCA9685-style hats expose more channels through the same interface.
type sysfsChannel struct {
	pwmPath  string
	periodNS uint64
	enabled  bool
}

func openChannel(chip, channel int) (channelDriver, error) {
	chipPath := filepath.Join(pwmSysfsBase, fmt.Sprintf("pwmchip%d", chip))
	n, err := readInt(filepath.Join(chipPath, "npwm"))
	if err != nil {
		return nil, fmt.Errorf("esc: read npwm: %w (is the pwm overlay enabled?)", err)
	}
	if channel < 0 || channel >= n {
		return nil, fmt.Errorf("esc: chip %d has %d channels, requested %d", chip, n, channel)
	}

	d := &sysfsChannel{pwmPath: filepath.Join(chipPath, fmt.Sprintf("pwm%d", channel))}
	if err := d.ensureExported(chipPath, channel); err != nil {
		return nil, err
	}
	_ = d.writeBool("enable", false)
	return d, nil
}

func (d *sysfsChannel) ensureExported(chipPath string, channel int) error {
	if _, err := os.Stat(d.pwmPath); err == nil {
		return nil
	}
	if err := writeSysfs(filepath.Join(chipPath, "export"), strconv.Itoa(channel)); err != nil {
		// Already exported by someone else is fine.
		if _, statErr := os.Stat(d.pwmPath); statErr == nil {
			return nil
		}
		return fmt.Errorf("esc: export pwm%d: %w", channel, err)
	}

	// The node can take a moment to appear after export.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(d.pwmPath); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(d.pwmPath); err != nil {
		return fmt.Errorf("esc: pwm node missing after export: %w", err)
	}
	return nil
}

func (d *sysfsChannel) SetPeriod(p time.Duration) error {
	// The kernel rejects period changes while enabled with a nonzero
	// duty; stay disabled until SetPulse latches a value.
	_ = d.writeBool("enable", false)
	d.enabled = false

	ns := uint64(p.Nanoseconds())
	if err := d.writeUint("period", ns); err != nil {
		return err
	}
	d.periodNS = ns
	return nil
}

func (d *sysfsChannel) SetPulse(width time.Duration) error {
	ns := uint64(width.Nanoseconds())
	if d.periodNS > 0 && ns > d.periodNS {
		ns = d.periodNS
	}
	if err := d.writeUint("duty_cycle", ns); err != nil {
		return err
	}
	if !d.enabled {
		if err := d.writeBool("enable", true); err != nil {
			return err
		}
		d.enabled = true
	}
	return nil
}

func (d *sysfsChannel) Close() error {
	err := d.writeBool("enable", false)
	d.enabled = false
	return err
}

func (d *sysfsChannel) writeUint(name string, v uint64) error {
	return writeSysfs(filepath.Join(d.pwmPath, name), strconv.FormatUint(v, 10))
}

func (d *sysfsChannel) writeBool(name string, v bool) error {
	val := "0"
	if v {
		val = "1"
	}
	return writeSysfs(filepath.Join(d.pwmPath, name), val)
}

// writeSysfs opens with plain O_WRONLY: several pwm attributes reject
// truncation flags at open() time. Right after export, udev may still
// be adjusting ownership, so permission and not-exist errors are
// retried for a couple of seconds.
func writeSysfs(path, value string) error {
	deadline := time.Now().Add(2 * time.Second)
	for {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err == nil {
			_, werr := f.WriteString(value)
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr == nil {
				return nil
			}
			err = werr
		}
		if time.Now().Before(deadline) && retryableSysfsErr(err) {
			time.Sleep(25 * time.Millisecond)
			continue
		}
		return err
	}
}

func retryableSysfsErr(err error) bool {
	return os.IsPermission(err) || os.IsNotExist(err) ||
		errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOENT)
}

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("empty file %s", path)
	}
	return strconv.Atoi(s)
}
