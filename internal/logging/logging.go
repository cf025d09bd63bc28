// Package logging configures process-wide logging. Library code logs through
// an injected logr.Logger; this package owns the klog sink behind the default
// one.
package logging

import (
	"flag"
	"strconv"
	"sync"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	once  sync.Once
	flags *flag.FlagSet
)

func klogFlags() *flag.FlagSet {
	once.Do(func() {
		flags = flag.NewFlagSet("klog", flag.ContinueOnError)
		klog.InitFlags(flags)
	})
	return flags
}

// InitLog sends klog output to stderr at the given verbosity. It may be
// called again to change the verbosity.
func InitLog(verbosity int) error {
	if verbosity < 0 {
		return errors.Errorf("negative log verbosity %d", verbosity)
	}
	fs := klogFlags()
	if err := fs.Set("logtostderr", "true"); err != nil {
		return errors.Wrap(err, "configure klog")
	}
	return errors.Wrap(fs.Set("v", strconv.Itoa(verbosity)), "set log verbosity")
}

// BindFlags registers the klog flags (-v, -vmodule, ...) on fs so a command
// line can set them.
func BindFlags(fs *flag.FlagSet) {
	klog.InitFlags(fs)
}

// Log writes msg at info level.
func Log(msg string, keysAndValues ...any) {
	klog.InfoS(msg, keysAndValues...)
}

// Logger returns the klog-backed logger under name.
func Logger(name string) logr.Logger {
	return klog.Background().WithName(name)
}

// Flush writes any buffered log entries.
func Flush() {
	klog.Flush()
}
