package inferbench

import (
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

var (
	selfOnce sync.Once
	self     *process.Process
)

// readRSS returns the resident set size of this process, or 0 when the
// platform does not report it.
func readRSS() int64 {
	selfOnce.Do(func() {
		self, _ = process.NewProcess(int32(os.Getpid()))
	})
	if self == nil {
		return 0
	}
	mi, err := self.MemoryInfo()
	if err != nil || mi == nil {
		return 0
	}
	return int64(mi.RSS)
}

// totalMemory returns physical memory in bytes, or 0 when unknown.
func totalMemory() int64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return int64(vm.Total)
}
