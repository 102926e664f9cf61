package ops

import (
	"os"
	"strconv"
	"strings"
)

// memoryLimitBytes returns the container memory limit from the cgroup
// filesystem, or 0 when none is detected (bare metal, dev machines,
// containers without limits). cgroup v2 is tried first, then v1.
func memoryLimitBytes() int64 {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		if limit, ok := parseCgroupLimit(string(data)); ok {
			return limit
		}
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		if limit, ok := parseCgroupLimit(string(data)); ok {
			return limit
		}
	}
	return 0
}

// parseCgroupLimit interprets one cgroup memory value. "max" means
// unlimited under v2; v1 reports a huge number instead, which callers
// treat like any other limit.
func parseCgroupLimit(data string) (int64, bool) {
	s := strings.TrimSpace(data)
	if s == "" || s == "max" {
		return 0, false
	}
	limit, err := strconv.ParseInt(s, 10, 64)
	if err != nil || limit <= 0 {
		return 0, false
	}
	return limit, true
}
