package vmm

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestCleanupStackUnwindsInReverseOrder(t *testing.T) {
	var order []string

	var c cleanupStack
	c.add("first", func() error { order = append(order, "first"); return nil })
	c.add("second", func() error { order = append(order, "second"); return nil })
	c.add("third", func() error { order = append(order, "third"); return nil })

	log := logrus.NewEntry(logrus.New())
	require.NoError(t, c.unwind(log))

	require.Equal(t, []string{"third", "second", "first"}, order)
	require.Empty(t, c.entries)
}

func TestCleanupStackAggregatesAllFailures(t *testing.T) {
	var c cleanupStack
	errA := errors.New("a failed")
	errB := errors.New("b failed")

	c.add("a", func() error { return errA })
	c.add("b", func() error { return errB })
	c.add("c", func() error { return nil })

	log := logrus.NewEntry(logrus.New())
	err := c.unwind(log)
	require.Error(t, err)
	require.ErrorContains(t, err, "a failed")
	require.ErrorContains(t, err, "b failed")
}

func TestCleanupStackEmptyUnwindIsNil(t *testing.T) {
	var c cleanupStack
	require.NoError(t, c.unwind(logrus.NewEntry(logrus.New())))
}
