// Package stats provides the cheap counters kernel subsystems export from
// their Stats() methods.
package stats

import "reflect"
import "strconv"
import "strings"
import "sync/atomic"

// Stats gates all counter updates; when false counters compile away to
// no-ops.
const Stats = true

// Counter_t is a statistical counter.
type Counter_t int64

// Inc increments the counter.
func (c *Counter_t) Inc() {
	if Stats {
		atomic.AddInt64((*int64)(c), 1)
	}
}

// Add increases the counter by n.
func (c *Counter_t) Add(n int64) {
	if Stats {
		atomic.AddInt64((*int64)(c), n)
	}
}

// Read returns the current value.
func (c *Counter_t) Read() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Stats2String converts a struct of counters to a printable string.
func Stats2String(st interface{}) string {
	if !Stats {
		return ""
	}
	v := reflect.ValueOf(st)
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		if strings.HasSuffix(t, "Counter_t") {
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " +
				strconv.FormatInt(int64(n), 10)
		}
	}
	return s + "\n"
}
