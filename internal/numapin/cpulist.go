package numapin

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// parseCPUList parses a Linux sysfs cpulist string such as "0-3,8,10-11"
// into a unix.CPUSet with each named CPU set.
func parseCPUList(s string) (unix.CPUSet, error) {
	var set unix.CPUSet

	s = strings.TrimSpace(s)
	if s == "" {
		return set, fmt.Errorf("numapin: empty cpulist")
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if dash := strings.IndexByte(part, '-'); dash >= 0 {
			lo, err := strconv.Atoi(part[:dash])
			if err != nil {
				return set, fmt.Errorf("numapin: bad cpulist range %q: %w", part, err)
			}

			hi, err := strconv.Atoi(part[dash+1:])
			if err != nil {
				return set, fmt.Errorf("numapin: bad cpulist range %q: %w", part, err)
			}

			for cpu := lo; cpu <= hi; cpu++ {
				set.Set(cpu)
			}

			continue
		}

		cpu, err := strconv.Atoi(part)
		if err != nil {
			return set, fmt.Errorf("numapin: bad cpulist entry %q: %w", part, err)
		}

		set.Set(cpu)
	}

	return set, nil
}
