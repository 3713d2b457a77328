package device

import (
	"fmt"
	"sort"

	"github.com/kataras/golog"
)

var logger = golog.Child("[device]")

// Options configures driver construction
type Options struct {
	// V4L2Path is a printf pattern receiving the 0-based camera index
	V4L2Path string
	// SimFPS makes the simulator free-running; 0 means frames only
	// complete on Sim.Advance
	SimFPS float64
}

// Registry holds registered device drivers
var Registry = make(map[string]func(Options) Device)

// Register registers a device driver
func Register(name string, factory func(Options) Device) {
	Registry[name] = factory
}

// Get returns a driver instance by name
func Get(name string, opts Options) (Device, bool) {
	factory, ok := Registry[name]
	if !ok {
		return nil, false
	}
	return factory(opts), true
}

// New is Get with an error naming the known drivers
func New(name string, opts Options) (Device, error) {
	dev, ok := Get(name, opts)
	if !ok {
		return nil, fmt.Errorf("unknown device driver %q (available: %v)", name, Drivers())
	}
	logger.Debugf("created %s driver", name)
	return dev, nil
}

// Drivers lists the registered driver names
func Drivers() []string {
	names := make([]string, 0, len(Registry))
	for name := range Registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
