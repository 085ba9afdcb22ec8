package vmm

import (
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type cleanupEntry struct {
	name string
	fn   func() error
}

// cleanupStack unwinds partially-constructed VM resources in reverse
// allocation order, aggregating every failure instead of stopping at the
// first one, per spec.md §7's "unwind on start failure" propagation policy.
type cleanupStack struct {
	entries []cleanupEntry
}

func (c *cleanupStack) add(name string, fn func() error) {
	c.entries = append(c.entries, cleanupEntry{name: name, fn: fn})
}

func (c *cleanupStack) unwind(log *logrus.Entry) error {
	var result *multierror.Error

	for i := len(c.entries) - 1; i >= 0; i-- {
		e := c.entries[i]
		if err := e.fn(); err != nil {
			log.WithError(err).WithField("resource", e.name).Warn("cleanup failed")
			result = multierror.Append(result, err)
		}
	}

	c.entries = nil

	return result.ErrorOrNil()
}

func unixClose(fd uintptr) error {
	return unix.Close(int(fd))
}
