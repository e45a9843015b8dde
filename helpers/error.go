package helpers

import (
	"strings"
	"sync"

	"github.com/juju/errors"
)

func FoldErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	ss := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			ss = append(ss, e.Error())
		}
	}
	if len(ss) == 0 {
		return nil
	}
	return errors.New(strings.Join(ss, "\n"))
}

// FoldErrChan reads errch until closed.
func FoldErrChan(errch <-chan error) error {
	errs := make([]error, 0)
	for e := range errch {
		errs = append(errs, e)
	}
	return FoldErrors(errs)
}

// WrapErrChan runs f and sends non-nil error to errch, for parallel init.
func WrapErrChan(wg *sync.WaitGroup, errch chan<- error, f func() error) {
	defer wg.Done()
	if err := f(); err != nil {
		errch <- err
	}
}
