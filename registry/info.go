package registry

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/c360/nvbus/codec"
	"github.com/c360/nvbus/errors"
)

// Process describes the operating system process hosting a node.
type Process struct {
	PID      int
	Hostname string
	Platform string
	Language string
}

// CurrentProcess describes the running process.
func CurrentProcess() Process {
	host, _ := os.Hostname()
	return Process{
		PID:      os.Getpid(),
		Hostname: host,
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
		Language: "go " + runtime.Version(),
	}
}

// Info is the record stored under a node key. Other nodes read it to list
// what a node publishes, subscribes to and serves.
type Info struct {
	Name           string
	Version        string
	TimeRegistered time.Time
	TimeModified   time.Time
	Subscriptions  []string
	// Publishers maps each topic the node has published on to the time of
	// the last publish folded into a heartbeat.
	Publishers map[string]time.Time
	Services   []string
	Process    Process
}

func (i Info) clone() Info {
	out := i
	out.Subscriptions = append([]string(nil), i.Subscriptions...)
	out.Services = append([]string(nil), i.Services...)
	out.Publishers = make(map[string]time.Time, len(i.Publishers))
	for k, v := range i.Publishers {
		out.Publishers[k] = v
	}
	return out
}

// value renders the record as a codec mapping.
func (i Info) value() map[string]any {
	pubs := make(map[string]any, len(i.Publishers))
	for topic, ts := range i.Publishers {
		pubs[topic] = unixSeconds(ts)
	}
	subs := append([]string{}, i.Subscriptions...)
	srvs := append([]string{}, i.Services...)
	sort.Strings(subs)
	sort.Strings(srvs)

	return map[string]any{
		"name":            i.Name,
		"version":         i.Version,
		"time_registered": unixSeconds(i.TimeRegistered),
		"time_modified":   unixSeconds(i.TimeModified),
		"subscriptions":   subs,
		"publishers":      pubs,
		"services":        srvs,
		"ps": map[string]any{
			"pid":      i.Process.PID,
			"hostname": i.Process.Hostname,
			"platform": i.Process.Platform,
			"language": i.Process.Language,
		},
	}
}

func encodeInfo(i Info) ([]byte, error) {
	return codec.Encode(i.value())
}

// decodeInfo is lenient: records written by other implementations may omit
// fields or use integers for timestamps.
func decodeInfo(data []byte) (Info, error) {
	v, err := codec.Decode(data)
	if err != nil {
		return Info{}, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Info{}, &errors.DecodingError{Reason: fmt.Sprintf("node record is %T, want mapping", v)}
	}

	info := Info{
		Name:           str(m["name"]),
		Version:        str(m["version"]),
		TimeRegistered: fromUnix(m["time_registered"]),
		TimeModified:   fromUnix(m["time_modified"]),
		Subscriptions:  strs(m["subscriptions"]),
		Services:       strs(m["services"]),
		Publishers:     map[string]time.Time{},
	}
	if pubs, ok := m["publishers"].(map[string]any); ok {
		for topic, ts := range pubs {
			info.Publishers[topic] = fromUnix(ts)
		}
	}
	if ps, ok := m["ps"].(map[string]any); ok {
		info.Process = Process{
			PID:      int(num(ps["pid"])),
			Hostname: str(ps["hostname"]),
			Platform: str(ps["platform"]),
			Language: str(ps["language"]),
		}
	}
	return info, nil
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(v any) time.Time {
	s := num(v)
	if s <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*1e9))
}

func num(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strs(v any) []string {
	seq, _ := v.([]any)
	out := make([]string, 0, len(seq))
	for _, e := range seq {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
