//go:build linux

package process

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	sysconf "github.com/tklauser/go-sysconf"
)

// osStartTime reads the kernel's record of when pid started, so a status can
// show the OS view next to ours. Zero when unavailable.
func osStartTime(pid int) time.Time {
	if pid <= 0 {
		return time.Time{}
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return time.Time{}
	}
	line := string(b)
	// comm may contain spaces; fields resume after the last ") "
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return time.Time{}
	}
	parts := strings.Fields(line[end+2:])
	// starttime is field 22 overall, index 19 here
	if len(parts) < 20 {
		return time.Time{}
	}
	ticks, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil || ticks <= 0 {
		return time.Time{}
	}
	btime := bootTime()
	if btime == 0 {
		return time.Time{}
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	ms := ticks * 1000 / clk
	return time.Unix(btime, 0).Add(time.Duration(ms) * time.Millisecond)
}

func bootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return 0
			}
			return bt
		}
	}
	return 0
}
