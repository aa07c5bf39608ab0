package safe

import (
	"github.com/bapcai02/NovaChat-sub000/logger"
	errs "github.com/bapcai02/NovaChat-sub000/tools/errs"
)

// Go starts a new goroutine that recovers from panic,
// so that panics don't crash the entire process.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] panic recovered: %+v", errs.ErrPanic(r))
			}
		}()
		f()
	}()
}

// GoNamed 带名字的版本，panic 日志里能定位是哪个循环
func GoNamed(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] %s panic recovered: %+v", name, errs.ErrPanic(r))
			}
		}()
		f()
	}()
}
