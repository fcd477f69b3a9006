package logic

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"sort"
	"sync"

	"github.com/shirou/gopsutil/process"
	"github.com/sirupsen/logrus"
)

// %%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%
// %%%%%%%%%%%%%%%%%%%%%%%%%%% Utils for user_manager.go %%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%
// %%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%

// genRandomPW generiert ein zufälliges Passwort
func genRandomPW() string {
	b := make([]byte, 10)
	_, err := rand.Read(b)
	if err != nil {
		logrus.Fatal(err)
	}
	return base64.URLEncoding.EncodeToString(b)
}

// %%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%
// %%%%%%%%%%%%%%%%%%%%%%%%%%% Utils for driver_manager.go %%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%
// %%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%

type stringSet map[string]struct{}

func newStringSet(items ...string) stringSet {
	s := make(stringSet, len(items))
	for _, item := range items {
		if item != "" {
			s[item] = struct{}{}
		}
	}
	return s
}

func (s stringSet) has(item string) bool {
	_, ok := s[item]
	return ok
}

// sorted gibt die Elemente sortiert zurück, damit Start/Stop-Reihenfolge und Logs stabil sind
func (s stringSet) sorted() []string {
	out := make([]string, 0, len(s))
	for item := range s {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

func removeString(list []string, item string) []string {
	out := list[:0:0]
	for _, x := range list {
		if x != item {
			out = append(out, x)
		}
	}
	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// %%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%% Process stats %%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%

var (
	selfProcess     *process.Process
	selfProcessOnce sync.Once
)

// processStatistics liest RSS und CPU-Last des eigenen Prozesses. Fehler werden
// nur geloggt, die Statistik entfällt dann.
func processStatistics() *ProcessStatistics {
	selfProcessOnce.Do(func() {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			logrus.WithField("label", "loader").Warnf("Process statistics unavailable: %v", err)
			return
		}
		selfProcess = p
	})
	if selfProcess == nil {
		return nil
	}

	stats := &ProcessStatistics{}
	if mem, err := selfProcess.MemoryInfo(); err == nil && mem != nil {
		stats.RSS = mem.RSS
	}
	if cpu, err := selfProcess.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	return stats
}
