package gpio

import (
	"errors"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	gpiocdev "github.com/warthog618/go-gpiocdev"

	perrors "github.com/pkg/errors"
)

// Cdev is a Chip backed by the Linux GPIO character device
type Cdev struct {
	// Name is the chip name or path, e.g. gpiochip0 or /dev/gpiochip0
	Name string

	// PullUp biases the limit switch inputs high, for switches that
	// short to ground without an external resistor
	PullUp bool

	// RetryFor bounds how long a busy line is retried before giving up.
	// Zero uses 250ms.
	RetryFor time.Duration
}

// NewCdev returns a Cdev for the named chip
func NewCdev(name string, pullUp bool) *Cdev {
	return &Cdev{Name: name, PullUp: pullUp}
}

// RequestOutput satisfies Chip
func (c *Cdev) RequestOutput(offset int, consumer string, initial int) (Line, error) {
	return c.request(offset, gpiocdev.WithConsumer(consumer), gpiocdev.AsOutput(initial))
}

// RequestInput satisfies Chip
func (c *Cdev) RequestInput(offset int, consumer string) (Line, error) {
	opts := []gpiocdev.LineReqOption{gpiocdev.WithConsumer(consumer), gpiocdev.AsInput}
	if c.PullUp {
		opts = append(opts, gpiocdev.WithPullUp)
	}
	return c.request(offset, opts...)
}

func (c *Cdev) request(offset int, opts ...gpiocdev.LineReqOption) (Line, error) {
	// a line released by another process can stay busy for a moment,
	// so EBUSY is retried with a short exponential backoff; anything
	// else is final
	var (
		line  *gpiocdev.Line
		final error
	)
	op := func() error {
		l, err := gpiocdev.RequestLine(c.Name, offset, opts...)
		if err != nil {
			if errors.Is(err, syscall.EBUSY) {
				return err
			}
			final = err
			return nil
		}
		line = l
		return nil
	}
	window := c.RetryFor
	if window == 0 {
		window = 250 * time.Millisecond
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.RandomizationFactor = 0.
	b.Multiplier = 2.
	b.MaxElapsedTime = window
	err := backoff.Retry(op, b)
	if err == nil {
		err = final
	}
	if err != nil {
		return nil, perrors.Wrapf(err, "%s offset %d", c.Name, offset)
	}
	return line, nil
}
